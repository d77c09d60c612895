package escrowd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"stakepact/escrow"
	"stakepact/metrics"
)

const defaultSweepInterval = 15 * time.Minute

// GuardPurger is implemented by guard stores that can drop expired records in
// bulk. The memory guard expires lazily and does not need it; the bolt guard
// does, or its file grows without bound.
type GuardPurger interface {
	Purge(now int64) (int, error)
}

// SweeperConfig wires a Sweeper.
type SweeperConfig struct {
	Engine   *escrow.Engine
	Interval time.Duration
	Guard    GuardPurger
	Logger   *slog.Logger
	Now      func() time.Time
}

// Sweeper drives periodic interest accrual over every held escrow. Each pass
// also purges expired idempotency guard records.
type Sweeper struct {
	engine   *escrow.Engine
	interval time.Duration
	guard    GuardPurger
	logger   *slog.Logger
	nowFn    func() time.Time
	trigger  chan struct{}
}

// NewSweeper constructs a sweeper; a non-positive interval falls back to the
// default.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Sweeper{
		engine:   cfg.Engine,
		interval: interval,
		guard:    cfg.Guard,
		logger:   logger,
		nowFn:    nowFn,
		trigger:  make(chan struct{}, 1),
	}
}

// TriggerNow schedules an immediate pass, coalescing with any pass already
// pending. Operators use it after clock changes or schedule edits instead of
// waiting out the interval.
func (s *Sweeper) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		s.Sweep(ctx)
	}
}

// Sweep accrues interest on every held escrow once. Escrows whose lock is
// taken by an in-flight distribution are skipped, not queued; accrual errors
// are logged per escrow and never abort the pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := s.nowFn()
	asOf := start.Unix()

	ids, err := s.engine.HeldEscrowIDs()
	if err != nil {
		s.logger.Error("held escrow listing failed", "error", err)
		return
	}

	var accrued, skipped, errored int
	for i, id := range ids {
		if ctx.Err() != nil {
			return
		}
		_, ok, err := s.engine.TryAccrue(ctx, id, asOf)
		if errors.Is(err, escrow.ErrOperationPaused) {
			skipped += len(ids) - i
			s.logger.Info("accrual paused, pass aborted", "remaining", len(ids)-i)
			break
		}
		switch {
		case err != nil:
			errored++
			s.logger.Error("sweep accrual failed", "escrow", id, "error", err)
		case !ok:
			skipped++
		default:
			accrued++
		}
	}

	if s.guard != nil {
		if purged, err := s.guard.Purge(asOf); err != nil {
			s.logger.Warn("guard purge failed", "error", err)
		} else if purged > 0 {
			s.logger.Debug("expired guard records purged", "count", purged)
		}
	}

	elapsed := s.nowFn().Sub(start)
	metrics.Escrow().RecordSweep(accrued, skipped, errored, elapsed)
	s.logger.Info("accrual sweep complete",
		"held", len(ids),
		"accrued", accrued,
		"skipped", skipped,
		"errored", errored,
		"durationMs", elapsed.Milliseconds(),
	)
}
