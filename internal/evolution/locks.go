// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package evolution

import "sync"

// topicLocks hands out one mutex per topic. Entries are never removed; the
// number of topics is small and bounded by the store.
type topicLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock blocks until topicID is free and returns its unlock function.
func (l *topicLocks) lock(topicID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[topicID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[topicID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
