package engine

import (
	"sync"

	"signoff/internal/domain"
)

// keyedMutex serializes work per artifact reference. Entries are dropped
// once no goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[domain.ArtifactRef]*refLock
}

type refLock struct {
	mu      sync.Mutex
	waiters int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[domain.ArtifactRef]*refLock)}
}

// Lock blocks until ref is free and returns the matching unlock.
func (k *keyedMutex) Lock(ref domain.ArtifactRef) func() {
	k.mu.Lock()
	l, ok := k.locks[ref]
	if !ok {
		l = &refLock{}
		k.locks[ref] = l
	}
	l.waiters++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.waiters--
		if l.waiters == 0 {
			delete(k.locks, ref)
		}
		k.mu.Unlock()
	}
}

var defaultLocks = newKeyedMutex()

func (e Engine) lock(ref domain.ArtifactRef) func() {
	if e.locks == nil {
		return defaultLocks.Lock(ref)
	}
	return e.locks.Lock(ref)
}
