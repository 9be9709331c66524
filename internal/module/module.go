// Package module is the lifecycle shared by every per-chain monitoring
// module: constructed -> initialized -> running -> stopped.
package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Module is implemented by the liquidator, the oracle updater and the point
// tracker. One instance serves exactly one chain.
type Module interface {
	Name() string
	ChainID() uint64
	// Initialize prepares the module. An error aborts startup.
	Initialize(ctx context.Context) error
	// Run registers the module's periodic jobs on s and returns.
	Run(ctx context.Context, s *Scheduler) error
	// Cleanup releases module resources after its jobs have stopped.
	Cleanup(ctx context.Context) error
	// HealthStatus returns module-specific details for the status surface.
	HealthStatus() map[string]any
}

// State is a lifecycle state.
type State string

const (
	StateConstructed State = "constructed"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
)

var ErrInvalidState = errors.New("invalid lifecycle state")

// Health is the observable state of one module instance.
type Health struct {
	Module      string         `json:"module"`
	ChainID     uint64         `json:"chain_id"`
	Enabled     bool           `json:"enabled"`
	State       State          `json:"state"`
	Initialized bool           `json:"initialized"`
	Running     bool           `json:"running"`
	Successes   uint64         `json:"successes"`
	Errors      uint64         `json:"errors"`
	LastRun     *time.Time     `json:"last_run,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Runner drives one Module through its lifecycle.
type Runner struct {
	mod    Module
	logger *slog.Logger
	stats  *Stats

	mu    sync.Mutex
	state State
	sched *Scheduler
}

// NewRunner wraps mod. logger should already be labeled with Logger.
func NewRunner(mod Module, logger *slog.Logger, stats *Stats) *Runner {
	if stats == nil {
		stats = &Stats{}
	}
	return &Runner{mod: mod, logger: logger, stats: stats, state: StateConstructed}
}

func (r *Runner) Module() Module { return r.mod }

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Init calls the module's Initialize. Errors are returned to the caller.
func (r *Runner) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateConstructed {
		return fmt.Errorf("%w: init from %s", ErrInvalidState, r.state)
	}
	if err := r.mod.Initialize(ctx); err != nil {
		r.stats.Failure(err)
		return fmt.Errorf("%s/%d initialize: %w", r.mod.Name(), r.mod.ChainID(), err)
	}
	r.state = StateInitialized
	r.logger.Info("module initialized")
	return nil
}

// Start requires an initialized module. It returns once the module has
// registered its jobs.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateInitialized {
		return fmt.Errorf("%w: start from %s", ErrInvalidState, r.state)
	}
	sched := NewScheduler(ctx, r.mod.Name(), r.mod.ChainID(), r.logger, r.stats)
	if err := r.mod.Run(ctx, sched); err != nil {
		sched.Stop(ctx)
		r.stats.Failure(err)
		return fmt.Errorf("%s/%d run: %w", r.mod.Name(), r.mod.ChainID(), err)
	}
	r.sched = sched
	r.state = StateRunning
	r.logger.Info("module started", "jobs", sched.Jobs())
	return nil
}

// Stop cancels the module's timers, waits for in-flight jobs until ctx is
// done and calls Cleanup. It never fails; problems are logged. Health stays
// readable while Stop waits.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	switch r.state {
	case StateStopped, StateStopping:
		r.mu.Unlock()
		return
	case StateConstructed:
		r.state = StateStopped
		r.mu.Unlock()
		return
	}
	r.state = StateStopping
	sched := r.sched
	r.mu.Unlock()

	if sched != nil {
		if !sched.Stop(ctx) {
			r.logger.Warn("module jobs still running at shutdown deadline")
		}
	}
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("module cleanup panicked", "panic", p)
			}
		}()
		if err := r.mod.Cleanup(ctx); err != nil {
			r.logger.Error("module cleanup failed", "error", err)
		}
	}()
	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
	r.logger.Info("module stopped")
}

// Health reports lifecycle state, counters and module details.
func (r *Runner) Health() Health {
	state := r.State()
	snap := r.stats.Snapshot()
	return Health{
		Module:      r.mod.Name(),
		ChainID:     r.mod.ChainID(),
		Enabled:     true,
		State:       state,
		Initialized: state == StateInitialized || state == StateRunning,
		Running:     state == StateRunning,
		Successes:   snap.Successes,
		Errors:      snap.Errors,
		LastRun:     snap.LastRun,
		LastError:   snap.LastError,
		Details:     r.mod.HealthStatus(),
	}
}

// Logger labels a logger with the module name and chain id.
func Logger(base *slog.Logger, name string, chainID uint64) *slog.Logger {
	return base.With("module", name, "chain", chainID)
}

// Stats counts job outcomes. The zero value is ready to use.
type Stats struct {
	mu        sync.Mutex
	successes uint64
	errors    uint64
	lastRun   time.Time
	lastError string
}

type StatsSnapshot struct {
	Successes uint64
	Errors    uint64
	LastRun   *time.Time
	LastError string
}

func (s *Stats) Success() {
	s.mu.Lock()
	s.successes++
	s.lastRun = time.Now()
	s.mu.Unlock()
}

func (s *Stats) Failure(err error) {
	s.mu.Lock()
	s.errors++
	s.lastRun = time.Now()
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatsSnapshot{Successes: s.successes, Errors: s.errors, LastError: s.lastError}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		out.LastRun = &t
	}
	return out
}
