// Package orchestrator runs one module instance per enabled (chain, module)
// pair and reports their combined health.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/web3-frozen/lending-keeper/internal/chain"
	"github.com/web3-frozen/lending-keeper/internal/config"
	"github.com/web3-frozen/lending-keeper/internal/module"
)

// Order in which modules are built, started and reported.
var moduleOrder = []string{config.ModuleLiquidator, config.ModuleOracle, config.ModulePoints}

// Chains is the part of chain.Manager the orchestrator needs.
type Chains interface {
	ChainIDs() []uint64
	HealthStatus(ctx context.Context) []chain.Health
}

// Builder creates the module name for chainID. Returning an error that
// wraps chain.ErrNotConfigured disables that one module instead of
// failing startup.
type Builder func(name string, chainID uint64) (module.Module, error)

// Status is the nested health of the process.
type Status struct {
	Status    string          `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	Uptime    string          `json:"uptime"`
	Chains    []chain.Health  `json:"chains"`
	Modules   []module.Health `json:"modules"`
}

type Orchestrator struct {
	chains  Chains
	logger  *slog.Logger
	runners []*module.Runner
	skipped []module.Health

	mu      sync.Mutex
	started time.Time
}

// New builds a runner for every enabled module on every connected chain.
func New(chains Chains, enabled []string, build Builder, logger *slog.Logger) (*Orchestrator, error) {
	want := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		if !isKnown(name) {
			return nil, fmt.Errorf("unknown module %q", name)
		}
		want[name] = true
	}

	o := &Orchestrator{chains: chains, logger: logger}
	for _, id := range chains.ChainIDs() {
		for _, name := range moduleOrder {
			if !want[name] {
				continue
			}
			mod, err := build(name, id)
			if errors.Is(err, chain.ErrNotConfigured) {
				logger.Error("MODULE DISABLED: missing configuration", "module", name, "chain", id, "error", err)
				o.skipped = append(o.skipped, module.Health{
					Module:    name,
					ChainID:   id,
					State:     module.StateStopped,
					LastError: err.Error(),
				})
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("build %s for chain %d: %w", name, id, err)
			}
			o.runners = append(o.runners, module.NewRunner(mod, module.Logger(logger, name, id), nil))
		}
	}
	return o, nil
}

func isKnown(name string) bool {
	for _, m := range moduleOrder {
		if m == name {
			return true
		}
	}
	return false
}

// Start initializes every module and then starts them. Any failure stops
// what was brought up and is returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, r := range o.runners {
		if err := r.Init(ctx); err != nil {
			o.Stop(ctx)
			return err
		}
	}
	for _, r := range o.runners {
		if err := r.Start(ctx); err != nil {
			o.Stop(ctx)
			return err
		}
	}
	o.mu.Lock()
	o.started = time.Now()
	o.mu.Unlock()
	o.logger.Info("orchestrator started", "modules", len(o.runners), "disabled", len(o.skipped))
	return nil
}

// Stop stops every module concurrently. It returns when all have stopped or
// ctx is done; in-flight jobs are not cancelled.
func (o *Orchestrator) Stop(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range o.runners {
		wg.Add(1)
		go func(r *module.Runner) {
			defer wg.Done()
			r.Stop(ctx)
		}(r)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
	case <-ctx.Done():
		o.logger.Warn("orchestrator stop deadline reached")
	}
}

// Modules returns the running module instances in build order.
func (o *Orchestrator) Modules() []module.Module {
	out := make([]module.Module, len(o.runners))
	for i, r := range o.runners {
		out[i] = r.Module()
	}
	return out
}

// Status never fails. Overall status is "ok" when every chain is healthy
// and every built module is running.
func (o *Orchestrator) Status(ctx context.Context) Status {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()

	st := Status{
		Status:    "ok",
		StartedAt: started,
		Chains:    o.chains.HealthStatus(ctx),
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started).Round(time.Second).String()
	}
	for _, c := range st.Chains {
		if c.Status != "healthy" {
			st.Status = "degraded"
		}
	}
	for _, r := range o.runners {
		h := r.Health()
		if !h.Running {
			st.Status = "degraded"
		}
		st.Modules = append(st.Modules, h)
	}
	st.Modules = append(st.Modules, o.skipped...)
	return st
}

// Ready reports whether every chain answers.
func (o *Orchestrator) Ready(ctx context.Context) bool {
	for _, c := range o.chains.HealthStatus(ctx) {
		if c.Status != "healthy" {
			return false
		}
	}
	return true
}
