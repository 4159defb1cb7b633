package accounts

import "sync"

// keyedMutex serializes work per user id.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[int64]*slot
}

type slot struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until id is free and returns the matching unlock.
func (k *keyedMutex) Lock(id int64) func() {
	k.mu.Lock()
	if k.slots == nil {
		k.slots = make(map[int64]*slot)
	}
	s := k.slots[id]
	if s == nil {
		s = &slot{}
		k.slots[id] = s
	}
	s.refs++
	k.mu.Unlock()

	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		k.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(k.slots, id)
		}
		k.mu.Unlock()
	}
}
