package rollcall

import "sync"

// sessionCache holds the in-process copy of the open session. The store
// remains the source of truth; the cache only avoids a round-trip on
// every status poll. primed distinguishes "no session" from "never read".
type sessionCache struct {
	mu     sync.RWMutex
	sess   *Session
	primed bool
}

// get returns the cached session and whether the cache is primed.
func (c *sessionCache) get() (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess, c.primed
}

// prime fills a cold cache; a primed cache is left alone so a concurrent
// trigger's update is not overwritten by a stale read. Reports whether
// this call stored the value.
func (c *sessionCache) prime(sess *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primed {
		return false
	}
	c.sess = sess
	c.primed = true
	return true
}

// rlock returns the cached session while holding the shared lock. The
// release func must be called only after any write that depends on this
// window has committed; triggers block on the exclusive lock until then.
func (c *sessionCache) rlock() (*Session, func()) {
	c.mu.RLock()
	return c.sess, c.mu.RUnlock
}

// set overwrites the cache. Callers must hold the exclusive lock.
func (c *sessionCache) set(sess *Session) {
	c.sess = sess
	c.primed = true
}

// lock takes the exclusive trigger lock; the returned func releases it.
func (c *sessionCache) lock() func() {
	c.mu.Lock()
	return c.mu.Unlock
}

// studentLocks serializes toggle/scan on the same student while letting
// different students proceed in parallel.
type studentLocks struct {
	mu    sync.Mutex
	locks map[string]*studentLock
}

type studentLock struct {
	mu   sync.Mutex
	refs int
}

func newStudentLocks() *studentLocks {
	return &studentLocks{locks: make(map[string]*studentLock)}
}

// lock acquires the mutex for one student id and returns its release func.
// Entries are reference-counted so the map does not grow unbounded.
func (s *studentLocks) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &studentLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}
