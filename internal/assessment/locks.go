package assessment

import "sync"

// sessionLocks serializes mutating operations on a single session while
// leaving unrelated sessions free to proceed in parallel. Entries are
// reference-counted and dropped when the last holder releases, so the
// map stays proportional to the number of in-flight requests rather
// than the number of sessions ever seen.
type sessionLocks struct {
	mu      sync.Mutex
	entries map[int64]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{entries: make(map[int64]*sessionLock)}
}

// lock blocks until the session's lock is held and returns the release
// func. Callers defer the release immediately.
func (l *sessionLocks) lock(id int64) func() {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &sessionLock{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}

// held reports the number of live lock entries. Test hook.
func (l *sessionLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
