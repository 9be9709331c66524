package compound

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventKind names a market event.
type EventKind string

const (
	KindMint   EventKind = "mint"
	KindRedeem EventKind = "redeem"
	KindBorrow EventKind = "borrow"
	KindRepay  EventKind = "repay"
)

// ErrUnknownEvent is returned by DecodeLog for logs that are not one of the
// four market events.
var ErrUnknownEvent = errors.New("unknown event")

// LogMeta locates an event on chain.
type LogMeta struct {
	Market   common.Address
	Block    uint64
	TxIndex  uint
	LogIndex uint
	TxHash   common.Hash
}

func (m LogMeta) Meta() LogMeta { return m }

// Event is one decoded market event: *MintEvent, *RedeemEvent, *BorrowEvent
// or *RepayEvent.
type Event interface {
	Kind() EventKind
	Meta() LogMeta
	// Account is the user the event is attributed to.
	Account() common.Address
	// Amount is the underlying token amount.
	Amount() *big.Int
}

type MintEvent struct {
	LogMeta
	Minter     common.Address
	MintAmount *big.Int
	MintTokens *big.Int
}

func (*MintEvent) Kind() EventKind           { return KindMint }
func (e *MintEvent) Account() common.Address { return e.Minter }
func (e *MintEvent) Amount() *big.Int        { return e.MintAmount }

type RedeemEvent struct {
	LogMeta
	Redeemer     common.Address
	RedeemAmount *big.Int
	RedeemTokens *big.Int
}

func (*RedeemEvent) Kind() EventKind           { return KindRedeem }
func (e *RedeemEvent) Account() common.Address { return e.Redeemer }
func (e *RedeemEvent) Amount() *big.Int        { return e.RedeemAmount }

type BorrowEvent struct {
	LogMeta
	Borrower       common.Address
	BorrowAmount   *big.Int
	AccountBorrows *big.Int
	TotalBorrows   *big.Int
}

func (*BorrowEvent) Kind() EventKind           { return KindBorrow }
func (e *BorrowEvent) Account() common.Address { return e.Borrower }
func (e *BorrowEvent) Amount() *big.Int        { return e.BorrowAmount }

// RepayEvent is attributed to the borrower whose debt shrinks, which may
// differ from the payer.
type RepayEvent struct {
	LogMeta
	Payer          common.Address
	Borrower       common.Address
	RepayAmount    *big.Int
	AccountBorrows *big.Int
	TotalBorrows   *big.Int
}

func (*RepayEvent) Kind() EventKind           { return KindRepay }
func (e *RepayEvent) Account() common.Address { return e.Borrower }
func (e *RepayEvent) Amount() *big.Int        { return e.RepayAmount }

var eventNames = map[common.Hash]string{
	CTokenABI.Events["Mint"].ID:        "Mint",
	CTokenABI.Events["Redeem"].ID:      "Redeem",
	CTokenABI.Events["Borrow"].ID:      "Borrow",
	CTokenABI.Events["RepayBorrow"].ID: "RepayBorrow",
}

// EventTopics is the topic-0 filter matching the four market events.
func EventTopics() []common.Hash {
	return []common.Hash{
		CTokenABI.Events["Mint"].ID,
		CTokenABI.Events["Redeem"].ID,
		CTokenABI.Events["Borrow"].ID,
		CTokenABI.Events["RepayBorrow"].ID,
	}
}

// DecodeLog converts a raw log into a typed Event.
func DecodeLog(l types.Log) (Event, error) {
	if len(l.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	name, ok := eventNames[l.Topics[0]]
	if !ok {
		return nil, ErrUnknownEvent
	}
	meta := LogMeta{
		Market:   l.Address,
		Block:    l.BlockNumber,
		TxIndex:  l.TxIndex,
		LogIndex: l.Index,
		TxHash:   l.TxHash,
	}

	var ev Event
	switch name {
	case "Mint":
		ev = &MintEvent{LogMeta: meta}
	case "Redeem":
		ev = &RedeemEvent{LogMeta: meta}
	case "Borrow":
		ev = &BorrowEvent{LogMeta: meta}
	case "RepayBorrow":
		ev = &RepayEvent{LogMeta: meta}
	}
	if err := CTokenABI.UnpackIntoInterface(ev, name, l.Data); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", name, err)
	}
	return ev, nil
}

// SortEvents orders events by block, transaction index and log index.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i].Meta(), events[j].Meta()
		if a.Block != b.Block {
			return a.Block < b.Block
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.LogIndex < b.LogIndex
	})
}
