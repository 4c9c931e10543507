package sessionstate

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 32

// lockTable hands out one mutex per (app, key). The table's own stripe
// mutexes are never held while a record mutex is held, so finding a lock and
// holding it cannot deadlock against each other.
type lockTable struct {
	stripes [lockStripes]lockStripe
}

type lockStripe struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	lt := &lockTable{}
	for i := range lt.stripes {
		lt.stripes[i].locks = make(map[string]*sync.Mutex)
	}
	return lt
}

func lockID(app, key string) string {
	return app + "\x00" + key
}

func (lt *lockTable) stripe(id string) *lockStripe {
	return &lt.stripes[xxhash.Sum64String(id)%lockStripes]
}

// get returns the mutex for (app, key), creating it on first use.
func (lt *lockTable) get(app, key string) *sync.Mutex {
	id := lockID(app, key)
	s := lt.stripe(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// tryLock attempts to take the record mutex without waiting.
func (lt *lockTable) tryLock(app, key string) (*sync.Mutex, bool) {
	id := lockID(app, key)
	for {
		m := lt.get(app, key)
		if !m.TryLock() {
			return nil, false
		}
		if lt.current(id, m) {
			return m, true
		}
		m.Unlock()
	}
}

// lock takes the record mutex, waiting as long as needed.
func (lt *lockTable) lock(app, key string) *sync.Mutex {
	id := lockID(app, key)
	for {
		m := lt.get(app, key)
		m.Lock()
		if lt.current(id, m) {
			return m
		}
		// Removed while we waited; a later caller may hold the new one.
		m.Unlock()
	}
}

// current reports whether m is still the table's mutex for id.
func (lt *lockTable) current(id string, m *sync.Mutex) bool {
	s := lt.stripe(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks[id] == m
}

// remove forgets the mutex for (app, key). It is called with that mutex held.
// The holder unlocks it normally; callers that were waiting on it notice it
// is stale and move to the fresh one.
func (lt *lockTable) remove(app, key string) {
	id := lockID(app, key)
	s := lt.stripe(id)
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
}

func (lt *lockTable) size() int {
	n := 0
	for i := range lt.stripes {
		s := &lt.stripes[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
