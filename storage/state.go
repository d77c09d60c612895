package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"stakepact/escrow"
	"stakepact/ledger"
)

// Key prefixes. A trailing separator keeps sibling ids from sharing a scan
// prefix (user:alice vs user:alice2).
const (
	prefixEscrow       = "esc:"
	prefixEscrowGoal   = "escgoal:"
	prefixEscrowStatus = "escst:"
	prefixTx           = "esctx:"
	prefixTxCounter    = "esctxc:"
	prefixDispute      = "dsp:"
	prefixDisputeGoal  = "dspgoal:"
	prefixGuard        = "guard:"
	prefixLedgerAcct   = "ledacc:"
	prefixLedgerTx     = "ledtx:"
	prefixAudit        = "aud:"
	keyLedgerCounter   = "ledc"
	keyAuditCounter    = "audc"
)

// Store persists the escrow engine's state, the ledger and the idempotency
// guard in one key-value database. It implements escrow.EngineState,
// escrow.GuardStore, ledger.Store and ledger.AuditStore for the daemon's
// standalone mode.
type Store struct {
	mu sync.Mutex
	db Database
}

// NewStore wraps the database in a state store.
func NewStore(db Database) *Store {
	return &Store{db: db}
}

func escrowKey(id string) []byte         { return []byte(prefixEscrow + id) }
func escrowGoalKey(goalID string) []byte { return []byte(prefixEscrowGoal + goalID) }
func escrowStatusKey(status escrow.Status, id string) []byte {
	return []byte(prefixEscrowStatus + status.String() + ":" + id)
}
func txCounterKey(escrowID string) []byte { return []byte(prefixTxCounter + escrowID) }
func txKey(escrowID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTx, escrowID, seq))
}
func disputeKey(id string) []byte         { return []byte(prefixDispute + id) }
func disputeGoalKey(goalID string) []byte { return []byte(prefixDisputeGoal + goalID) }
func guardKey(op, escrowID, key string) []byte {
	return []byte(prefixGuard + op + "|" + escrowID + "|" + key)
}
func ledgerAcctKey(accountID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixLedgerAcct, accountID, seq))
}
func ledgerTxKey(txID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixLedgerTx, txID, seq))
}
func auditKey(entityType, entityID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d", prefixAudit, entityType, entityID, seq))
}

// nextSeq increments and returns the counter stored under key. Callers must
// hold s.mu.
func (s *Store) nextSeq(key []byte) (uint64, error) {
	var n uint64
	raw, err := s.db.Get(key)
	switch {
	case err == nil:
		parsed, perr := strconv.ParseUint(string(raw), 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("storage: corrupt counter %s: %w", key, perr)
		}
		n = parsed
	case errors.Is(err, ErrNotFound):
	default:
		return 0, err
	}
	n++
	if err := s.db.Put(key, []byte(strconv.FormatUint(n, 10))); err != nil {
		return 0, err
	}
	return n, nil
}

// EscrowPut validates and stores the escrow, maintaining the goal and status
// indexes.
func (s *Store) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("storage: encode escrow %s: %w", sanitized.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prevRaw, err := s.db.Get(escrowKey(sanitized.ID)); err == nil {
		var prev escrow.Escrow
		if uerr := json.Unmarshal(prevRaw, &prev); uerr == nil && prev.Status != sanitized.Status {
			if derr := s.db.Delete(escrowStatusKey(prev.Status, sanitized.ID)); derr != nil {
				return derr
			}
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := s.db.Put(escrowKey(sanitized.ID), raw); err != nil {
		return err
	}
	if err := s.db.Put(escrowGoalKey(sanitized.GoalID), []byte(sanitized.ID)); err != nil {
		return err
	}
	return s.db.Put(escrowStatusKey(sanitized.Status, sanitized.ID), []byte{1})
}

// EscrowGet implements escrow.EngineState.
func (s *Store) EscrowGet(id string) (*escrow.Escrow, bool, error) {
	raw, err := s.db.Get(escrowKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var esc escrow.Escrow
	if err := json.Unmarshal(raw, &esc); err != nil {
		return nil, false, fmt.Errorf("storage: decode escrow %s: %w", id, err)
	}
	return &esc, true, nil
}

// EscrowIDByGoal implements escrow.EngineState.
func (s *Store) EscrowIDByGoal(goalID string) (string, bool, error) {
	raw, err := s.db.Get(escrowGoalKey(goalID))
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}

// EscrowsByStatus lists escrow ids in the given status, ascending by id.
func (s *Store) EscrowsByStatus(status escrow.Status) ([]string, error) {
	prefix := prefixEscrowStatus + status.String() + ":"
	ids := make([]string, 0)
	err := s.db.Iterate([]byte(prefix), func(key, _ []byte) error {
		ids = append(ids, strings.TrimPrefix(string(key), prefix))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// TxAppend implements escrow.EngineState.
func (s *Store) TxAppend(tx *escrow.Transaction) error {
	if tx == nil {
		return fmt.Errorf("storage: nil transaction")
	}
	if tx.EscrowID == "" {
		return fmt.Errorf("storage: transaction missing escrow id")
	}
	raw, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("storage: encode transaction %s: %w", tx.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.nextSeq(txCounterKey(tx.EscrowID))
	if err != nil {
		return err
	}
	return s.db.Put(txKey(tx.EscrowID, seq), raw)
}

// TxList returns the escrow's transactions in append order.
func (s *Store) TxList(escrowID string) ([]*escrow.Transaction, error) {
	prefix := prefixTx + escrowID + ":"
	txs := make([]*escrow.Transaction, 0)
	err := s.db.Iterate([]byte(prefix), func(_, value []byte) error {
		var tx escrow.Transaction
		if uerr := json.Unmarshal(value, &tx); uerr != nil {
			return fmt.Errorf("storage: decode transaction: %w", uerr)
		}
		txs = append(txs, &tx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// DisputePut stores the dispute and maintains the open-dispute-per-goal index.
func (s *Store) DisputePut(d *escrow.Dispute) error {
	if d == nil {
		return fmt.Errorf("storage: nil dispute")
	}
	if d.ID == "" || d.GoalID == "" {
		return fmt.Errorf("storage: dispute requires id and goal id")
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("storage: encode dispute %s: %w", d.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(disputeKey(d.ID), raw); err != nil {
		return err
	}
	if d.Status == escrow.DisputeOpen {
		return s.db.Put(disputeGoalKey(d.GoalID), []byte(d.ID))
	}
	current, err := s.db.Get(disputeGoalKey(d.GoalID))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(current) == d.ID {
		return s.db.Delete(disputeGoalKey(d.GoalID))
	}
	return nil
}

// DisputeGet implements escrow.EngineState.
func (s *Store) DisputeGet(id string) (*escrow.Dispute, bool, error) {
	raw, err := s.db.Get(disputeKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var d escrow.Dispute
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false, fmt.Errorf("storage: decode dispute %s: %w", id, err)
	}
	return &d, true, nil
}

// OpenDisputeByGoal implements escrow.EngineState.
func (s *Store) OpenDisputeByGoal(goalID string) (*escrow.Dispute, bool, error) {
	raw, err := s.db.Get(disputeGoalKey(goalID))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return s.DisputeGet(string(raw))
}

// GuardGet implements escrow.GuardStore with the same expiry semantics as the
// in-memory guard: an expired record is removed and reported absent.
func (s *Store) GuardGet(op, escrowID, key string, now int64) (*escrow.GuardRecord, bool, error) {
	if strings.TrimSpace(op) == "" || strings.TrimSpace(escrowID) == "" || strings.TrimSpace(key) == "" {
		return nil, false, fmt.Errorf("escrow: idempotency key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get(guardKey(op, escrowID, key))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec escrow.GuardRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("storage: decode guard record: %w", err)
	}
	if rec.ExpiresAt > 0 && now >= rec.ExpiresAt {
		if derr := s.db.Delete(guardKey(op, escrowID, key)); derr != nil {
			return nil, false, derr
		}
		return nil, false, nil
	}
	return &rec, true, nil
}

// GuardPut implements escrow.GuardStore.
func (s *Store) GuardPut(rec *escrow.GuardRecord, now int64) error {
	if rec == nil {
		return fmt.Errorf("storage: nil guard record")
	}
	if strings.TrimSpace(rec.Operation) == "" || strings.TrimSpace(rec.EscrowID) == "" || strings.TrimSpace(rec.Key) == "" {
		return fmt.Errorf("escrow: idempotency key required")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: encode guard record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := guardKey(rec.Operation, rec.EscrowID, rec.Key)
	if existingRaw, err := s.db.Get(key); err == nil {
		var existing escrow.GuardRecord
		if uerr := json.Unmarshal(existingRaw, &existing); uerr == nil {
			if existing.ExpiresAt == 0 || now < existing.ExpiresAt {
				if existing.Fingerprint != rec.Fingerprint {
					return escrow.ErrIdempotencyMismatch
				}
				return escrow.ErrIdempotentDuplicate
			}
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.db.Put(key, raw)
}

// LedgerAppend implements ledger.Store. Each entry is indexed both by account
// and by transaction id under one global sequence so listings stay in append
// order.
func (s *Store) LedgerAppend(entries []*ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		if entry == nil {
			return fmt.Errorf("storage: nil ledger entry")
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("storage: encode ledger entry: %w", err)
		}
		seq, err := s.nextSeq([]byte(keyLedgerCounter))
		if err != nil {
			return err
		}
		if err := s.db.Put(ledgerAcctKey(entry.AccountID, seq), raw); err != nil {
			return err
		}
		if err := s.db.Put(ledgerTxKey(entry.TransactionID, seq), raw); err != nil {
			return err
		}
	}
	return nil
}

// LedgerListByAccount implements ledger.Store.
func (s *Store) LedgerListByAccount(accountID string) ([]*ledger.Entry, error) {
	return s.ledgerList(prefixLedgerAcct + accountID + ":")
}

// LedgerListByTransaction implements ledger.Store.
func (s *Store) LedgerListByTransaction(txID string) ([]*ledger.Entry, error) {
	return s.ledgerList(prefixLedgerTx + txID + ":")
}

// LedgerAccounts lists every account with at least one entry. Reconciliation
// uses it to spot entries against escrows that no longer resolve.
func (s *Store) LedgerAccounts() ([]string, error) {
	seen := make(map[string]struct{})
	err := s.db.Iterate([]byte(prefixLedgerAcct), func(_, value []byte) error {
		var entry ledger.Entry
		if uerr := json.Unmarshal(value, &entry); uerr != nil {
			return fmt.Errorf("storage: decode ledger entry: %w", uerr)
		}
		seen[entry.AccountID] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	accounts := make([]string, 0, len(seen))
	for account := range seen {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	return accounts, nil
}

func (s *Store) ledgerList(prefix string) ([]*ledger.Entry, error) {
	entries := make([]*ledger.Entry, 0)
	err := s.db.Iterate([]byte(prefix), func(_, value []byte) error {
		var entry ledger.Entry
		if uerr := json.Unmarshal(value, &entry); uerr != nil {
			return fmt.Errorf("storage: decode ledger entry: %w", uerr)
		}
		entries = append(entries, &entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// AuditAppend implements ledger.AuditStore.
func (s *Store) AuditAppend(rec *ledger.AuditRecord) error {
	if rec == nil {
		return fmt.Errorf("storage: nil audit record")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: encode audit record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.nextSeq([]byte(keyAuditCounter))
	if err != nil {
		return err
	}
	return s.db.Put(auditKey(rec.EntityType, rec.EntityID, seq), raw)
}

// AuditList implements ledger.AuditStore.
func (s *Store) AuditList(entityType, entityID string) ([]*ledger.AuditRecord, error) {
	prefix := prefixAudit + entityType + ":" + entityID + ":"
	records := make([]*ledger.AuditRecord, 0)
	err := s.db.Iterate([]byte(prefix), func(_, value []byte) error {
		var rec ledger.AuditRecord
		if uerr := json.Unmarshal(value, &rec); uerr != nil {
			return fmt.Errorf("storage: decode audit record: %w", uerr)
		}
		records = append(records, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
