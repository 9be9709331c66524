package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/web3-frozen/lending-keeper/internal/api"
	"github.com/web3-frozen/lending-keeper/internal/balance"
	"github.com/web3-frozen/lending-keeper/internal/chain"
	"github.com/web3-frozen/lending-keeper/internal/compound"
	"github.com/web3-frozen/lending-keeper/internal/config"
	"github.com/web3-frozen/lending-keeper/internal/dedup"
	"github.com/web3-frozen/lending-keeper/internal/liquidator"
	"github.com/web3-frozen/lending-keeper/internal/module"
	"github.com/web3-frozen/lending-keeper/internal/oracle"
	"github.com/web3-frozen/lending-keeper/internal/points"
	"github.com/web3-frozen/lending-keeper/internal/store"
)

// Services are the process-wide collaborators shared by every module.
// Store and Dedup are nil when their backends are not configured.
type Services struct {
	Config      config.Config
	Chains      *chain.Manager
	Prices      *api.PriceClient
	Leaderboard *api.LeaderboardClient
	Store       *store.Store
	Dedup       *dedup.Deduplicator
	Alert       func(ctx context.Context, key, message string)
	Logger      *slog.Logger
}

// Build is the production Builder.
func (s Services) Build(name string, chainID uint64) (module.Module, error) {
	cc, err := s.Chains.Chain(chainID)
	if err != nil {
		return nil, err
	}
	backend, err := s.Chains.Provider(chainID)
	if err != nil {
		return nil, err
	}
	client := compound.NewClient(backend, cc.Comptroller, cc.Oracle)
	logger := module.Logger(s.Logger, name, chainID)

	switch name {
	case config.ModuleLiquidator:
		w, err := s.Chains.Wallet(chainID)
		if err != nil {
			return nil, err
		}
		d := liquidator.Deps{
			Chain:      cc,
			Protocol:   client,
			Signer:     w,
			Prices:     s.Chains,
			Candidates: s.Leaderboard,
			Alert:      s.Alert,
			Logger:     logger,
		}
		if s.Store != nil {
			d.Recorder = s.Store
		}
		return liquidator.New(s.Config.Liquidator, d), nil

	case config.ModuleOracle:
		w, err := s.Chains.Wallet(chainID)
		if err != nil {
			return nil, err
		}
		return oracle.New(s.Config.Oracle, oracle.Deps{
			Chain:    cc,
			Contract: client,
			Signer:   w,
			Feed:     s.Prices,
			Alert:    s.Alert,
			Logger:   logger,
		}), nil

	case config.ModulePoints:
		d := points.Deps{
			Chain:    cc,
			Events:   client,
			Blocks:   s.Chains,
			Prices:   s.Chains,
			Balances: balance.NewManager(client, logger),
			Users:    s.Leaderboard,
			Poster:   s.Leaderboard,
			Alert:    s.Alert,
			Logger:   logger,
		}
		if s.Store != nil {
			d.Checkpoints = s.Store
			d.Archive = s.Store
		}
		if s.Dedup != nil {
			d.Claimer = s.Dedup
		}
		return points.New(s.Config.Points, d), nil
	}
	return nil, fmt.Errorf("unknown module %q", name)
}
