package escrowd

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"stakepact/escrow"
	"stakepact/ledger"
	"stakepact/storage"
)

const sweepTestNow = int64(1_700_000_000)

type countingPurger struct {
	calls int
	now   int64
	err   error
}

func (p *countingPurger) Purge(now int64) (int, error) {
	p.calls++
	p.now = now
	return 3, p.err
}

type sweepHarness struct {
	engine *escrow.Engine
	wallet *MockWallet
	now    int64
}

func newSweepHarness(t *testing.T) *sweepHarness {
	t.Helper()
	state := storage.NewStore(storage.NewMemDB())
	wallet := NewMockWallet()
	wallet.SetUnlimited(true)
	recorder := ledger.NewRecorder(state)
	recorder.SetNowFunc(func() int64 { return sweepTestNow })

	h := &sweepHarness{wallet: wallet, now: sweepTestNow}
	engine := escrow.NewEngine()
	engine.SetState(state)
	engine.SetWallet(wallet)
	engine.SetLedger(recorder)
	engine.SetSchedule(&escrow.Schedule{Tiers: []*escrow.Tier{{
		MinPrincipal: big.NewInt(0),
		Rate:         big.NewRat(10, 100),
	}}})
	engine.SetNowFunc(func() int64 { return h.now })
	h.engine = engine
	return h
}

func (h *sweepHarness) hold(t *testing.T, goalID string, principal int64) string {
	t.Helper()
	stakeholders := []escrow.Stakeholder{{
		UserID:    "user-" + goalID,
		StakeID:   "stake-" + goalID,
		Principal: big.NewInt(principal),
	}}
	esc, err := h.engine.Hold(context.Background(), goalID, stakeholders, "USD", "hold-"+goalID)
	if err != nil {
		t.Fatalf("hold %s: %v", goalID, err)
	}
	return esc.ID
}

func (h *sweepHarness) sweeper(guard GuardPurger) *Sweeper {
	return NewSweeper(SweeperConfig{
		Engine: h.engine,
		Guard:  guard,
		Logger: discardLogger(),
		Now:    func() time.Time { return time.Unix(h.now, 0) },
	})
}

func TestSweepAccruesHeldEscrows(t *testing.T) {
	h := newSweepHarness(t)
	idA := h.hold(t, "goal-a", 10000)
	idB := h.hold(t, "goal-b", 50000)

	// Advance one year and sweep.
	h.now = sweepTestNow + 31_536_000
	guard := &countingPurger{}
	h.sweeper(guard).Sweep(context.Background())

	for id, want := range map[string]int64{idA: 1000, idB: 5000} {
		esc, err := h.engine.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if esc.AccruedAmount.Cmp(big.NewInt(want)) != 0 {
			t.Fatalf("escrow %s accrued %s, want %d", id, esc.AccruedAmount, want)
		}
		if esc.AccruedAt != h.now {
			t.Fatalf("escrow %s accruedAt = %d, want %d", id, esc.AccruedAt, h.now)
		}
	}
	if guard.calls != 1 || guard.now != h.now {
		t.Fatalf("purge calls = %d at %d", guard.calls, guard.now)
	}
}

func TestSweepIsIdempotentForSameInstant(t *testing.T) {
	h := newSweepHarness(t)
	id := h.hold(t, "goal-a", 10000)

	h.now = sweepTestNow + 31_536_000
	sweeper := h.sweeper(nil)
	sweeper.Sweep(context.Background())
	sweeper.Sweep(context.Background())

	esc, err := h.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.AccruedAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("accrued = %s, want 1000 after repeated sweep", esc.AccruedAmount)
	}
}

func TestSweepSkipsNonHeldEscrows(t *testing.T) {
	h := newSweepHarness(t)
	id := h.hold(t, "goal-a", 10000)
	if _, err := h.engine.Refund(context.Background(), id, "refund-key"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	h.now = sweepTestNow + 31_536_000
	h.sweeper(nil).Sweep(context.Background())

	esc, err := h.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.AccruedAmount.Sign() != 0 {
		t.Fatalf("refunded escrow accrued %s", esc.AccruedAmount)
	}
}

func TestSweepAbortsWhenAccrualPaused(t *testing.T) {
	h := newSweepHarness(t)
	h.hold(t, "goal-a", 10000)
	id := h.hold(t, "goal-b", 10000)
	h.engine.SetPauses(escrow.NewPauseSet(escrow.PauseAccrual))

	h.now = sweepTestNow + 31_536_000
	h.sweeper(nil).Sweep(context.Background())

	esc, err := h.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.AccruedAmount.Sign() != 0 {
		t.Fatalf("accrued %s during pause", esc.AccruedAmount)
	}
}

func TestSweepGuardPurgeFailureDoesNotAbort(t *testing.T) {
	h := newSweepHarness(t)
	id := h.hold(t, "goal-a", 10000)

	h.now = sweepTestNow + 31_536_000
	guard := &countingPurger{err: fmt.Errorf("disk full")}
	h.sweeper(guard).Sweep(context.Background())

	esc, err := h.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.AccruedAmount.Sign() == 0 {
		t.Fatal("sweep did not accrue")
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	h := newSweepHarness(t)
	sweeper := NewSweeper(SweeperConfig{
		Engine:   h.engine,
		Interval: time.Hour,
		Logger:   discardLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}

func TestSweeperTriggerNowCoalesces(t *testing.T) {
	h := newSweepHarness(t)
	id := h.hold(t, "goal-a", 10000)

	h.now = sweepTestNow + 31_536_000
	sweeper := h.sweeper(nil)
	sweeper.TriggerNow()
	sweeper.TriggerNow()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		esc, err := h.engine.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if esc.AccruedAmount.Sign() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	esc, err := h.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.AccruedAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("accrued = %s, want 1000", esc.AccruedAmount)
	}
}
