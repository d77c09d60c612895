package escrow

import (
	"errors"
	"sync"
)

// ErrOperationPaused signals that operators have paused an operation class.
var ErrOperationPaused = errors.New("escrow: operation paused")

// Operation classes that operators may pause independently.
const (
	PauseDistribution = "distribution"
	PauseAccrual      = "accrual"
	PauseWebhooks     = "webhooks"
)

// Pauses exposes the operator pause switches consulted before money movement.
type Pauses interface {
	IsPaused(op string) bool
}

// PauseGuard rejects the call when the given operation class is paused. A nil
// view means nothing is paused.
func PauseGuard(p Pauses, op string) error {
	if p == nil || op == "" {
		return nil
	}
	if p.IsPaused(op) {
		return ErrOperationPaused
	}
	return nil
}

// PauseSet is a concurrency-safe Pauses implementation with operator toggles.
type PauseSet struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauseSet returns a pause set with the given operation classes paused.
func NewPauseSet(paused ...string) *PauseSet {
	set := &PauseSet{paused: make(map[string]bool, len(paused))}
	for _, op := range paused {
		set.paused[op] = true
	}
	return set
}

// IsPaused implements the Pauses interface.
func (p *PauseSet) IsPaused(op string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[op]
}

// Pause marks the operation class paused.
func (p *PauseSet) Pause(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused[op] = true
}

// Resume clears the pause for the operation class.
func (p *PauseSet) Resume(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.paused, op)
}

// Snapshot lists the currently paused operation classes.
func (p *PauseSet) Snapshot() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.paused))
	for op, paused := range p.paused {
		if paused {
			out = append(out, op)
		}
	}
	return out
}
