package realtime

import "sync"

// keyedMutex hands out one mutex per ticket and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex of key and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// versionTable remembers the newest version delivered per ticket.
type versionTable struct {
	mu     sync.Mutex
	latest map[string]uint64
}

func newVersionTable() *versionTable {
	return &versionTable{latest: make(map[string]uint64)}
}

// advance records version for key and reports whether it is newer than
// anything recorded before.
func (v *versionTable) advance(key string, version uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if version <= v.latest[key] {
		return false
	}
	v.latest[key] = version
	return true
}

func (v *versionTable) forget(key string) {
	v.mu.Lock()
	delete(v.latest, key)
	v.mu.Unlock()
}
