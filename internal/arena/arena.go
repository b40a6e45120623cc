// Package arena stores values in reusable slots addressed by index and
// generation. A reference stays valid until its slot is released; after that
// the slot's generation moves on and the old reference no longer resolves.
package arena

import "sync"

// Ref addresses a slot. Generation 0 is never issued, so the zero Ref is
// always invalid.
type Ref struct {
	Index      uint32
	Generation uint32
}

type slot[T any] struct {
	value      T
	generation uint32
	live       bool
}

type Table[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
}

func New[T any]() *Table[T] {
	return &Table[T]{}
}

// Insert stores v and returns its reference.
func (t *Table[T]) Insert(v T) Ref {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{})
		idx = uint32(len(t.slots) - 1)
	}
	s := &t.slots[idx]
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	s.value = v
	s.live = true
	return Ref{Index: idx, Generation: s.generation}
}

// Get resolves r.
func (t *Table[T]) Get(r Ref) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.lookup(r)
	if !ok {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Update runs fn on the live value of r while holding the table lock. fn must
// not call back into the table.
func (t *Table[T]) Update(r Ref, fn func(v *T)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.lookup(r)
	if !ok {
		return false
	}
	fn(&s.value)
	return true
}

// Release frees the slot of r. It reports false when r was already invalid.
func (t *Table[T]) Release(r Ref) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.lookup(r)
	if !ok {
		return false
	}
	t.drop(r.Index, s)
	return true
}

// ReleaseFunc frees every live slot whose value matches and returns how many
// were freed.
func (t *Table[T]) ReleaseFunc(match func(T) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.slots {
		s := &t.slots[i]
		if s.live && match(s.value) {
			t.drop(uint32(i), s)
			n++
		}
	}
	return n
}

// Len is the number of live slots.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}

func (t *Table[T]) lookup(r Ref) (*slot[T], bool) {
	if r.Generation == 0 || int(r.Index) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[r.Index]
	if !s.live || s.generation != r.Generation {
		return nil, false
	}
	return s, true
}

func (t *Table[T]) drop(idx uint32, s *slot[T]) {
	var zero T
	s.value = zero
	s.live = false
	t.free = append(t.free, idx)
}
