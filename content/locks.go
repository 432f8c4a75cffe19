package content

import "sync"

// keyLocks serialises cache+version commits per collection key and counts
// them, so a reader can tell whether a commit landed while it was reading.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	gens  map[string]uint64
}

func newKeyLocks() *keyLocks {
	return &keyLocks{
		locks: make(map[string]*sync.Mutex),
		gens:  make(map[string]uint64),
	}
}

// lock acquires the mutex for key and returns its unlock func. A nil
// receiver does no locking.
func (k *keyLocks) lock(key string) func() {
	if k == nil {
		return func() {}
	}
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// committed records a write to the cache entry of key. The caller holds
// the key's lock.
func (k *keyLocks) committed(key string) {
	if k == nil {
		return
	}
	k.mu.Lock()
	k.gens[key]++
	k.mu.Unlock()
}

// generation returns how many writes have been committed for key.
func (k *keyLocks) generation(key string) uint64 {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.gens[key]
}
