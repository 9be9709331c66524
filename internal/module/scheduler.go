package module

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/web3-frozen/lending-keeper/internal/metrics"
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

type stopKey struct{}

// Scheduler runs a module's periodic jobs. Each job runs in its own
// goroutine and never overlaps with itself: ticks that arrive while a run is
// in progress are dropped.
type Scheduler struct {
	module  string
	chain   string
	logger  *slog.Logger
	stats   *Stats
	baseCtx context.Context

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.Mutex
	jobs []string
}

// NewScheduler creates a scheduler. Jobs receive a context derived from ctx
// that is not cancelled by Stop, so in-flight calls finish on their own.
func NewScheduler(ctx context.Context, module string, chainID uint64, logger *slog.Logger, stats *Stats) *Scheduler {
	s := &Scheduler{
		module: module,
		chain:  strconv.FormatUint(chainID, 10),
		logger: logger,
		stats:  stats,
		stop:   make(chan struct{}),
	}
	s.baseCtx = context.WithValue(context.WithoutCancel(ctx), stopKey{}, (<-chan struct{})(s.stop))
	return s
}

// Every runs job every interval. With immediate set, the first run starts
// right away instead of after one interval.
func (s *Scheduler) Every(name string, interval time.Duration, immediate bool, job Job) {
	if interval <= 0 {
		panic(fmt.Sprintf("module %s: job %s has non-positive interval", s.module, name))
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, name)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if immediate {
			s.runOnce(name, job)
		}
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				// A stop that raced the tick wins.
				select {
				case <-s.stop:
					return
				default:
				}
				s.runOnce(name, job)
			}
		}
	}()
}

func (s *Scheduler) runOnce(name string, job Job) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return job(s.baseCtx)
	}()
	elapsed := time.Since(start)
	metrics.ModuleCycleDuration.WithLabelValues(s.module, s.chain, name).Observe(elapsed.Seconds())

	if err != nil {
		s.stats.Failure(err)
		metrics.ModuleCyclesTotal.WithLabelValues(s.module, s.chain, name, "error").Inc()
		s.logger.Error("job failed", "job", name, "duration", elapsed.Round(time.Millisecond), "error", err)
		return
	}
	s.stats.Success()
	metrics.ModuleCyclesTotal.WithLabelValues(s.module, s.chain, name, "ok").Inc()
	metrics.ModuleLastSuccess.WithLabelValues(s.module, s.chain, name).SetToCurrentTime()
	s.logger.Debug("job done", "job", name, "duration", elapsed.Round(time.Millisecond))
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.jobs...)
}

// Stop prevents further runs and waits for running jobs until ctx is done.
// It reports whether every job goroutine exited.
func (s *Scheduler) Stop(ctx context.Context) bool {
	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stopping reports whether the scheduler that issued ctx has been stopped.
func Stopping(ctx context.Context) bool {
	ch, _ := ctx.Value(stopKey{}).(<-chan struct{})
	if ch == nil {
		return ctx.Err() != nil
	}
	select {
	case <-ch:
		return true
	default:
		return ctx.Err() != nil
	}
}

// Sleep pauses for d. It returns false early when the job's scheduler is
// stopped or ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !Stopping(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()

	ch, _ := ctx.Value(stopKey{}).(<-chan struct{})
	select {
	case <-t.C:
		return true
	case <-ch:
		return false
	case <-ctx.Done():
		return false
	}
}
