package memstore

import (
	"context"
	"sync"
)

// keyedMutex hands out one exclusive lock per key. Waiters honour context
// cancellation. Idle keys are dropped.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	token chan struct{}
	refs  int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{slots: make(map[string]*slot)}
}

func (k *keyedMutex) lock(ctx context.Context, key string) error {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{token: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.mu.Lock()
		k.release(key, s)
		k.mu.Unlock()
		return ctx.Err()
	}
}

func (k *keyedMutex) unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		panic("memstore: unlock of unlocked key " + key)
	}
	<-s.token
	k.release(key, s)
}

// release must be called with k.mu held.
func (k *keyedMutex) release(key string, s *slot) {
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
