package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrTxReverted is returned when a mined transaction has a failed status.
var ErrTxReverted = errors.New("transaction reverted")

// TxBuilder signs and sends one transaction with the given options.
type TxBuilder func(opts *bind.TransactOpts) (*types.Transaction, error)

// TxRequest describes a transaction to be submitted through a Wallet.
type TxRequest struct {
	GasLimit uint64
	GasPrice *big.Int
	Value    *big.Int
	Build    TxBuilder
}

// Wallet signs transactions for one chain. Submissions are serialized: the
// nonce is read and the receipt awaited while holding the wallet lock, so
// modules sharing the wallet cannot collide on nonces.
type Wallet struct {
	backend Backend
	chainID *big.Int
	key     *ecdsa.PrivateKey
	address common.Address

	mu sync.Mutex
}

func NewWallet(backend Backend, chainID uint64, privateKeyHex string) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Wallet{
		backend: backend,
		chainID: new(big.Int).SetUint64(chainID),
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (w *Wallet) Address() common.Address { return w.address }

// GasPrice returns the node's suggested legacy gas price in wei.
func (w *Wallet) GasPrice(ctx context.Context) (*big.Int, error) {
	return w.backend.SuggestGasPrice(ctx)
}

// Submit sends the transaction built by req.Build and waits for it to be
// mined. A receipt with failed status returns ErrTxReverted alongside the
// receipt.
func (w *Wallet) Submit(ctx context.Context, req TxRequest) (*types.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice := req.GasPrice
	if gasPrice == nil {
		if gasPrice, err = w.backend.SuggestGasPrice(ctx); err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
	}

	opts, err := bind.NewKeyedTransactorWithChainID(w.key, w.chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasLimit = req.GasLimit
	opts.GasPrice = gasPrice
	opts.Value = req.Value

	tx, err := req.Build(opts)
	if err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, w.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("wait mined %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrTxReverted, tx.Hash().Hex())
	}
	return receipt, nil
}
