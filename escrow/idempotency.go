package escrow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Operation names scoping idempotency keys. Each operation keeps an
// independent key space per escrow.
const (
	OpHold       = "hold"
	OpRelease    = "release"
	OpForfeit    = "forfeit"
	OpRefund     = "refund"
	OpAdjudicate = "adjudicate"
)

// GuardRecord caches the result of one executed money-moving call so replays
// return the original receipts without re-running side effects.
type GuardRecord struct {
	Operation   string `json:"operation"`
	EscrowID    string `json:"escrowId"`
	Key         string `json:"key"`
	Fingerprint string `json:"fingerprint"`
	Result      []byte `json:"result"`
	StoredAt    int64  `json:"storedAt"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"`
}

// GuardStore persists idempotency records keyed by (operation, escrow, key).
type GuardStore interface {
	// GuardGet returns the record for the composite key when present and not
	// expired as of now.
	GuardGet(op, escrowID, key string, now int64) (*GuardRecord, bool, error)
	// GuardPut stores the record. Storing an identical record again returns
	// ErrIdempotentDuplicate; storing a record whose fingerprint differs from
	// the existing one returns ErrIdempotencyMismatch.
	GuardPut(rec *GuardRecord, now int64) error
}

// GuardFingerprint hashes the request payload bound to an idempotency key so
// key reuse with a different request is detectable.
func GuardFingerprint(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func guardComposite(op, escrowID, key string) (string, error) {
	op = strings.TrimSpace(op)
	escrowID = strings.TrimSpace(escrowID)
	key = strings.TrimSpace(key)
	if op == "" || escrowID == "" || key == "" {
		return "", fmt.Errorf("escrow: idempotency key required")
	}
	return op + "|" + escrowID + "|" + key, nil
}

// MemoryGuard is a map-backed GuardStore for the engine daemon's standalone
// mode and tests.
type MemoryGuard struct {
	mu      sync.Mutex
	records map[string]*GuardRecord
}

// NewMemoryGuard returns an empty in-memory guard store.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{records: make(map[string]*GuardRecord)}
}

// GuardGet implements the GuardStore interface.
func (g *MemoryGuard) GuardGet(op, escrowID, key string, now int64) (*GuardRecord, bool, error) {
	composite, err := guardComposite(op, escrowID, key)
	if err != nil {
		return nil, false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[composite]
	if !ok {
		return nil, false, nil
	}
	if rec.ExpiresAt > 0 && now >= rec.ExpiresAt {
		delete(g.records, composite)
		return nil, false, nil
	}
	clone := *rec
	clone.Result = append([]byte(nil), rec.Result...)
	return &clone, true, nil
}

// GuardPut implements the GuardStore interface.
func (g *MemoryGuard) GuardPut(rec *GuardRecord, now int64) error {
	if rec == nil {
		return fmt.Errorf("escrow: nil guard record")
	}
	composite, err := guardComposite(rec.Operation, rec.EscrowID, rec.Key)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.records[composite]; ok {
		if existing.ExpiresAt == 0 || now < existing.ExpiresAt {
			if existing.Fingerprint != rec.Fingerprint {
				return ErrIdempotencyMismatch
			}
			return ErrIdempotentDuplicate
		}
	}
	clone := *rec
	clone.Result = append([]byte(nil), rec.Result...)
	g.records[composite] = &clone
	return nil
}
