package escrowd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"stakepact/escrow"
)

var guardBucket = []byte("guards")

// BoltGuard persists idempotency guard records in a bbolt file so replay
// detection survives process restarts.
type BoltGuard struct {
	db *bolt.DB
}

// NewBoltGuard opens, creating if needed, the guard database at path.
func NewBoltGuard(path string) (*BoltGuard, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("escrowd: open guard store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(guardBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("escrowd: init guard store: %w", err)
	}
	return &BoltGuard{db: db}, nil
}

// Close releases the underlying database file.
func (g *BoltGuard) Close() error {
	return g.db.Close()
}

// GuardGet implements escrow.GuardStore. Expired records are deleted on read.
func (g *BoltGuard) GuardGet(op, escrowID, key string, now int64) (*escrow.GuardRecord, bool, error) {
	composite, err := guardKey(op, escrowID, key)
	if err != nil {
		return nil, false, err
	}
	var rec *escrow.GuardRecord
	err = g.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(guardBucket)
		raw := bucket.Get(composite)
		if raw == nil {
			return nil
		}
		var stored escrow.GuardRecord
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("escrowd: decode guard record: %w", err)
		}
		if stored.ExpiresAt > 0 && now >= stored.ExpiresAt {
			return bucket.Delete(composite)
		}
		rec = &stored
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	return rec, true, nil
}

// GuardPut implements escrow.GuardStore.
func (g *BoltGuard) GuardPut(rec *escrow.GuardRecord, now int64) error {
	if rec == nil {
		return fmt.Errorf("escrowd: nil guard record")
	}
	composite, err := guardKey(rec.Operation, rec.EscrowID, rec.Key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("escrowd: encode guard record: %w", err)
	}
	return g.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(guardBucket)
		if existing := bucket.Get(composite); existing != nil {
			var stored escrow.GuardRecord
			if err := json.Unmarshal(existing, &stored); err != nil {
				return fmt.Errorf("escrowd: decode guard record: %w", err)
			}
			if stored.ExpiresAt == 0 || now < stored.ExpiresAt {
				if stored.Fingerprint != rec.Fingerprint {
					return escrow.ErrIdempotencyMismatch
				}
				return escrow.ErrIdempotentDuplicate
			}
		}
		return bucket.Put(composite, raw)
	})
}

// Purge deletes expired guard records and reports how many were removed. The
// sweeper calls this on its interval; reads also expire records lazily.
func (g *BoltGuard) Purge(now int64) (int, error) {
	removed := 0
	err := g.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(guardBucket)
		var expired [][]byte
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var stored escrow.GuardRecord
			if err := json.Unmarshal(v, &stored); err != nil {
				expired = append(expired, append([]byte(nil), k...))
				continue
			}
			if stored.ExpiresAt > 0 && now >= stored.ExpiresAt {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func guardKey(op, escrowID, key string) ([]byte, error) {
	op = strings.TrimSpace(op)
	escrowID = strings.TrimSpace(escrowID)
	key = strings.TrimSpace(key)
	if op == "" || escrowID == "" || key == "" {
		return nil, fmt.Errorf("escrowd: idempotency key required")
	}
	return []byte(op + "|" + escrowID + "|" + key), nil
}
