package escrow

import (
	"errors"
	"sort"
	"testing"
)

func TestPauseSet(t *testing.T) {
	set := NewPauseSet(PauseDistribution)
	if !set.IsPaused(PauseDistribution) {
		t.Fatalf("seeded pause missing")
	}
	if set.IsPaused(PauseAccrual) {
		t.Fatalf("unrelated class must not be paused")
	}
	set.Pause(PauseWebhooks)
	snapshot := set.Snapshot()
	sort.Strings(snapshot)
	if len(snapshot) != 2 || snapshot[0] != PauseDistribution || snapshot[1] != PauseWebhooks {
		t.Fatalf("unexpected snapshot %v", snapshot)
	}
	set.Resume(PauseDistribution)
	if set.IsPaused(PauseDistribution) {
		t.Fatalf("resumed class still paused")
	}
}

func TestPauseGuard(t *testing.T) {
	if err := PauseGuard(nil, PauseDistribution); err != nil {
		t.Fatalf("nil view must not pause: %v", err)
	}
	set := NewPauseSet(PauseAccrual)
	if err := PauseGuard(set, PauseAccrual); !errors.Is(err, ErrOperationPaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
	if err := PauseGuard(set, PauseDistribution); err != nil {
		t.Fatalf("unpaused class rejected: %v", err)
	}
	if err := PauseGuard((*PauseSet)(nil), PauseAccrual); err != nil {
		t.Fatalf("nil set must not pause: %v", err)
	}
}
