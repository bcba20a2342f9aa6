package dispatch

import "sync"

// lanes serializes work per key inside one process, so workers sharing a
// process queue up behind each other instead of spinning on the distributed
// lease for the same user.
type lanes struct {
	mu    sync.Mutex
	locks map[string]*laneEntry
}

type laneEntry struct {
	mu   sync.Mutex
	refs int
}

func newLanes() *lanes {
	return &lanes{locks: make(map[string]*laneEntry)}
}

// Do runs fn while holding the key's lane. Entries are removed once the
// last waiter leaves, so the map stays bounded by in-flight keys.
func (l *lanes) Do(key string, fn func()) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &laneEntry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	fn()
	e.mu.Unlock()

	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
