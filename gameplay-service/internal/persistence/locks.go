package persistence

import "sync"

// slotLocks сериализует операции над одним слотом; разные слоты не блокируют друг друга.
type slotLocks struct {
	mu    sync.Mutex
	locks map[string]*slotLock
}

type slotLock struct {
	mu   sync.Mutex
	refs int
}

func newSlotLocks() *slotLocks {
	return &slotLocks{locks: make(map[string]*slotLock)}
}

// lock blocks until the slot is free and returns the matching unlock func.
func (l *slotLocks) lock(slotID string) func() {
	l.mu.Lock()
	sl, ok := l.locks[slotID]
	if !ok {
		sl = &slotLock{}
		l.locks[slotID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, slotID)
		}
		l.mu.Unlock()
	}
}

// size is the number of slots currently locked or awaited.
func (l *slotLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
