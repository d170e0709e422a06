// Package sweeper expires old files from the temp store on a cron schedule,
// independently of request handling.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"icoconvert/metrics"
	"icoconvert/store"
)

// Sweeper runs store.Sweep periodically. Runs never overlap.
type Sweeper struct {
	store   *store.Store
	maxAge  time.Duration
	metrics *metrics.SweepMetrics
	cron    *cron.Cron

	mu sync.Mutex
}

// New validates schedule and prepares a sweeper. m may be nil.
func New(st *store.Store, maxAge time.Duration, schedule string, m *metrics.SweepMetrics) (*Sweeper, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("max age must be positive, got %v", maxAge)
	}

	s := &Sweeper{
		store:   st,
		maxAge:  maxAge,
		metrics: m,
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
	}

	if _, err := s.cron.AddFunc(schedule, func() { _, _ = s.RunOnce() }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	return s, nil
}

// Start sweeps once immediately, then on every scheduled tick.
func (s *Sweeper) Start() {
	if _, err := s.RunOnce(); err != nil {
		slog.Warn("Initial sweep failed", "error", err)
	}
	s.cron.Start()
	slog.Info("Sweeper started", "dir", s.store.Dir(), "max_age", s.maxAge)
}

// Stop halts scheduling and waits for a running sweep, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		slog.Info("Sweeper stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sweep to finish: %w", ctx.Err())
	}
}

// RunOnce performs a single sweep, serialised with any scheduled run.
func (s *Sweeper) RunOnce() (store.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.store.Sweep(s.maxAge)
	if err != nil {
		slog.Error("Sweep failed", "dir", s.store.Dir(), "error", err)
		if s.metrics != nil {
			s.metrics.Observe(0, 1, time.Now())
		}
		return result, err
	}

	if s.metrics != nil {
		s.metrics.Observe(len(result.Deleted), result.Failed, time.Now())
	}

	if len(result.Deleted) > 0 || result.Failed > 0 {
		slog.Info("Sweep finished", "scanned", result.Scanned, "deleted", len(result.Deleted), "failed", result.Failed)
	} else {
		slog.Debug("Sweep finished", "scanned", result.Scanned)
	}

	return result, nil
}
