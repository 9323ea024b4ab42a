package engine

import "sync"

// lockTable hands out one mutex per proposal id. Entries are reference
// counted and dropped once no caller holds or waits on them.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*lockEntry)}
}

var fallbackLocks = newLockTable()

func (t *lockTable) lock(key string) (unlock func()) {
	t.mu.Lock()
	entry, ok := t.locks[key]
	if !ok {
		entry = &lockEntry{}
		t.locks[key] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		t.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}
