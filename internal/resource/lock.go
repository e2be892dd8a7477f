package resource

import (
	"context"
	"sync"
)

// Unlock releases a lock. Calling it more than once is a no-op.
type Unlock func()

// Locker hands out exclusive per-key locks. Lock blocks until the key is free
// or ctx is done, in which case it returns ctx.Err().
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// MemLocker is an in-process Locker.
type MemLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemLocker creates an in-process locker.
func NewMemLocker() *MemLocker {
	return &MemLocker{slots: make(map[string]*slot)}
}

func (l *MemLocker) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *MemLocker) releaseSlot(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *MemLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	s := l.acquireSlot(key)
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.releaseSlot(key, s)
		})
	}, nil
}

// LockAll acquires every key in sorted order so concurrent callers with
// overlapping sets cannot deadlock. On failure nothing stays held.
func LockAll(ctx context.Context, l Locker, keys []string) (Unlock, error) {
	keys = normalizeIDs(keys)
	held := make([]Unlock, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, k := range keys {
		u, err := l.Lock(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, u)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}
