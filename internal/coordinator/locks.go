package coordinator

import "sync"

// lockArena hands out per-session mutexes so transitions on the same
// session serialize while unrelated sessions proceed in parallel. Entries
// are refcounted and removed when the last holder releases, keeping the
// arena bounded by the number of sessions under concurrent mutation.
type lockArena struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockArena() *lockArena {
	return &lockArena{entries: make(map[string]*lockEntry)}
}

// lock acquires the mutex for key and returns its release function.
func (a *lockArena) lock(key string) func() {
	a.mu.Lock()
	e := a.entries[key]
	if e == nil {
		e = &lockEntry{}
		a.entries[key] = e
	}
	e.refs++
	a.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		a.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(a.entries, key)
		}
		a.mu.Unlock()
	}
}
