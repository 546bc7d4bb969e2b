// Package slot implements the fixed-capacity client table that bounds how
// many connections a broker process will admit concurrently: a
// preallocated array and an index free-list under one mutex, not a
// growable map.
package slot

import (
	"sync"

	"github.com/quartzlink/rmemd/pkg/brokererr"
)

// Table holds up to capacity entries of type T, indexed by slot id.
type Table[T any] struct {
	mu       sync.Mutex
	entries  []T
	occupied []bool
	freeList []int
	active   int
}

// NewTable allocates a table with room for capacity concurrent entries.
func NewTable[T any](capacity int) *Table[T] {
	freeList := make([]int, capacity)
	for i := range freeList {
		freeList[i] = capacity - 1 - i
	}
	return &Table[T]{
		entries:  make([]T, capacity),
		occupied: make([]bool, capacity),
		freeList: freeList,
	}
}

// Admit reserves a free slot and stores entry in it, returning the slot id.
// It returns brokererr.Capacity if the table is full, rejecting new
// connections past the configured maximum.
func (t *Table[T]) Admit(entry T) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.freeList) == 0 {
		return 0, brokererr.New(brokererr.Capacity, "client slot table full")
	}
	id := t.freeList[len(t.freeList)-1]
	t.freeList = t.freeList[:len(t.freeList)-1]
	t.entries[id] = entry
	t.occupied[id] = true
	t.active++
	return id, nil
}

// Release frees slot id, zeroing its entry so no stale reference lingers.
// Releasing an already-free slot is a no-op.
func (t *Table[T]) Release(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.entries) || !t.occupied[id] {
		return
	}
	var zero T
	t.entries[id] = zero
	t.occupied[id] = false
	t.freeList = append(t.freeList, id)
	t.active--
}

// Set replaces the entry stored at an already-occupied slot id, letting a
// caller admit a placeholder early (to enforce capacity before doing
// expensive setup) and fill in the real entry once it's ready. It is a
// no-op if id is not currently occupied.
func (t *Table[T]) Set(id int, entry T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.entries) || !t.occupied[id] {
		return
	}
	t.entries[id] = entry
}

// Get returns the entry at slot id and whether it is currently occupied.
func (t *Table[T]) Get(id int) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.entries) || !t.occupied[id] {
		var zero T
		return zero, false
	}
	return t.entries[id], true
}

// ActiveCount returns the number of currently-occupied slots.
func (t *Table[T]) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Capacity returns the table's fixed size.
func (t *Table[T]) Capacity() int {
	return len(t.entries)
}

// Each calls fn for every currently-occupied slot, in slot-id order. fn
// must not call back into Admit/Release/Get on the same table.
func (t *Table[T]) Each(fn func(id int, entry T)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, occ := range t.occupied {
		if occ {
			fn(id, t.entries[id])
		}
	}
}
