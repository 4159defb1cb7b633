package state

import (
	"sync"
	"time"
)

type slot[S any] struct {
	mu      sync.Mutex
	refs    int
	value   S
	present bool
	touched time.Time
}

// Registry maps user ids to session values of type S.
type Registry[S any] struct {
	mu    sync.Mutex
	slots map[int64]*slot[S]
	now   func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry[S any]() *Registry[S] {
	return &Registry[S]{slots: make(map[int64]*slot[S]), now: time.Now}
}

// Tx is exclusive access to one user's session. It must be released exactly once.
type Tx[S any] struct {
	reg    *Registry[S]
	userID int64
	s      *slot[S]
	done   bool
}

// Acquire locks the session slot of userID, waiting for other holders.
func (r *Registry[S]) Acquire(userID int64) *Tx[S] {
	r.mu.Lock()
	s, ok := r.slots[userID]
	if !ok {
		s = &slot[S]{}
		r.slots[userID] = s
	}
	s.refs++
	r.mu.Unlock()

	s.mu.Lock()
	return &Tx[S]{reg: r, userID: userID, s: s}
}

// UserID returns the owner of the slot.
func (tx *Tx[S]) UserID() int64 { return tx.userID }

// Get returns the stored session, if any.
func (tx *Tx[S]) Get() (S, bool) {
	return tx.s.value, tx.s.present
}

// Set stores v and refreshes the activity timestamp.
func (tx *Tx[S]) Set(v S) {
	tx.s.value = v
	tx.s.present = true
	tx.s.touched = tx.reg.now()
}

// Clear removes the stored session.
func (tx *Tx[S]) Clear() {
	var zero S
	tx.s.value = zero
	tx.s.present = false
}

// Release unlocks the slot and drops it from the registry once unused and empty.
func (tx *Tx[S]) Release() {
	if tx.done {
		return
	}
	tx.done = true

	r := tx.reg
	r.mu.Lock()
	tx.s.refs--
	if tx.s.refs == 0 && !tx.s.present {
		delete(r.slots, tx.userID)
	}
	r.mu.Unlock()
	tx.s.mu.Unlock()
}

// InProgress reports whether userID currently has a stored session.
// It does not wait for the slot lock, so it may observe a value mid-update.
func (r *Registry[S]) InProgress(userID int64) bool {
	r.mu.Lock()
	s, ok := r.slots[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present
}

// Len returns the number of users with a stored session.
func (r *Registry[S]) Len() int {
	r.mu.Lock()
	slots := make([]*slot[S], 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.Unlock()

	n := 0
	for _, s := range slots {
		s.mu.Lock()
		if s.present {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// IdleSince returns users whose session was last set before cutoff.
// Slots currently held by another goroutine are skipped.
func (r *Registry[S]) IdleSince(cutoff time.Time) []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.slots))
	slots := make([]*slot[S], 0, len(r.slots))
	for id, s := range r.slots {
		ids = append(ids, id)
		slots = append(slots, s)
	}
	r.mu.Unlock()

	var out []int64
	for i, s := range slots {
		if !s.mu.TryLock() {
			continue
		}
		if s.present && s.touched.Before(cutoff) {
			out = append(out, ids[i])
		}
		s.mu.Unlock()
	}
	return out
}

// Touched returns the last Set time for userID.
func (tx *Tx[S]) Touched() time.Time { return tx.s.touched }
