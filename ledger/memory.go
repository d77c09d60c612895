package ledger

import (
	"sort"
	"sync"
)

// MemoryStore is a map-backed Store for standalone mode and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []*Entry
	byAccount map[string][]int
	byTx      map[string][]int
}

// NewMemoryStore returns an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAccount: make(map[string][]int),
		byTx:      make(map[string][]int),
	}
}

// LedgerAppend implements the Store interface.
func (s *MemoryStore) LedgerAppend(entries []*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		clone := entry.Clone()
		at := len(s.entries)
		s.entries = append(s.entries, clone)
		s.byAccount[clone.AccountID] = append(s.byAccount[clone.AccountID], at)
		s.byTx[clone.TransactionID] = append(s.byTx[clone.TransactionID], at)
	}
	return nil
}

// LedgerListByAccount implements the Store interface.
func (s *MemoryStore) LedgerListByAccount(accountID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byAccount[accountID]), nil
}

// LedgerListByTransaction implements the Store interface.
func (s *MemoryStore) LedgerListByTransaction(txID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byTx[txID]), nil
}

// LedgerAccounts lists every account with at least one entry.
func (s *MemoryStore) LedgerAccounts() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]string, 0, len(s.byAccount))
	for account := range s.byAccount {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	return accounts, nil
}

// Len reports the total number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) collect(indexes []int) []*Entry {
	out := make([]*Entry, 0, len(indexes))
	for _, at := range indexes {
		out = append(out, s.entries[at].Clone())
	}
	return out
}

// MemoryAuditStore is a map-backed AuditStore for standalone mode and tests.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	records []*AuditRecord
}

// NewMemoryAuditStore returns an empty in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// AuditAppend implements the AuditStore interface.
func (s *MemoryAuditStore) AuditAppend(rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec.Clone())
	return nil
}

// AuditList implements the AuditStore interface.
func (s *MemoryAuditStore) AuditList(entityType, entityID string) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditRecord, 0)
	for _, rec := range s.records {
		if rec.EntityType == entityType && rec.EntityID == entityID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Len reports the total number of stored audit records.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
