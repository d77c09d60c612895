package escrow

import "sync"

// lockTable serialises status-changing operations per escrow id. Entries are
// refcounted so the table does not grow with the historical escrow set.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

func (t *lockTable) acquire(id string) *lockEntry {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if !ok {
		entry = &lockEntry{}
		t.entries[id] = entry
	}
	entry.refs++
	t.mu.Unlock()
	return entry
}

func (t *lockTable) release(id string, entry *lockEntry) {
	t.mu.Lock()
	entry.refs--
	if entry.refs <= 0 {
		delete(t.entries, id)
	}
	t.mu.Unlock()
}

// Lock blocks until the per-escrow lock is held and returns the unlock func.
func (t *lockTable) Lock(id string) func() {
	entry := t.acquire(id)
	entry.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			t.release(id, entry)
		})
	}
}

// TryLock attempts the per-escrow lock without blocking. The accrual sweep
// uses it to skip escrows with a distribution in flight.
func (t *lockTable) TryLock(id string) (func(), bool) {
	entry := t.acquire(id)
	if !entry.mu.TryLock() {
		t.release(id, entry)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			t.release(id, entry)
		})
	}, true
}
