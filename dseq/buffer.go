package dseq

import "fmt"

// Buffer is a fixed-capacity associative container
// keyed by 16-bit wrapping sequence numbers.
//
// A sequence number maps to the slot at its value modulo the capacity,
// and each slot records the exact sequence number it currently holds,
// so lookups distinguish a live entry from a stale alias.
// Inserting a sequence number overwrites whatever entry
// previously occupied its slot, with no signal to the caller:
// the capacity must exceed the widest window of live entries
// the caller will ever hold, or data is lost silently.
//
// All operations are O(1) and the backing storage is allocated
// once at construction.
type Buffer[T any] struct {
	vals []T
	ids  []uint16
	live []bool

	// One past the most recently inserted sequence number.
	// Only meaningful while nonEmpty is true.
	seq      uint16
	nonEmpty bool
}

// NewBuffer returns a Buffer with the given fixed capacity.
//
// NewBuffer panics if capacity is not positive.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic(fmt.Errorf("BUG: buffer capacity must be positive, got %d", capacity))
	}

	return &Buffer[T]{
		vals: make([]T, capacity),
		ids:  make([]uint16, capacity),
		live: make([]bool, capacity),
	}
}

// Capacity returns the fixed capacity the buffer was created with.
func (b *Buffer[T]) Capacity() int {
	return len(b.vals)
}

// Insert stores v under the sequence number id,
// silently discarding any entry that previously occupied id's slot.
func (b *Buffer[T]) Insert(id uint16, v T) {
	i := b.slot(id)
	b.vals[i] = v
	b.ids[i] = id
	b.live[i] = true

	next := id + 1
	if !b.nonEmpty || GreaterThan(next, b.seq) {
		b.seq = next
		b.nonEmpty = true
	}
}

// Get returns a pointer to the value stored under id,
// or nil if id's slot is empty or holds a different sequence number.
//
// The pointer remains valid until the slot is overwritten or removed.
func (b *Buffer[T]) Get(id uint16) *T {
	i := b.slot(id)
	if !b.live[i] || b.ids[i] != id {
		return nil
	}
	return &b.vals[i]
}

// Exists reports whether an entry is stored under exactly id.
func (b *Buffer[T]) Exists(id uint16) bool {
	i := b.slot(id)
	return b.live[i] && b.ids[i] == id
}

// Remove clears the entry stored under id and returns it.
// If id's slot is empty or holds a different sequence number,
// Remove reports false and the buffer is unchanged.
func (b *Buffer[T]) Remove(id uint16) (T, bool) {
	var zero T

	i := b.slot(id)
	if !b.live[i] || b.ids[i] != id {
		return zero, false
	}

	v := b.vals[i]
	b.vals[i] = zero
	b.live[i] = false
	return v, true
}

// OccupantID returns the sequence number currently occupying id's slot,
// which may differ from id when the slot holds an alias.
// It reports false if the slot is empty.
func (b *Buffer[T]) OccupantID(id uint16) (uint16, bool) {
	i := b.slot(id)
	if !b.live[i] {
		return 0, false
	}
	return b.ids[i], true
}

// Sequence returns one past the most recently inserted sequence number,
// serving as the scan boundary for callers iterating live entries.
// It only moves forward (wraparound-aware),
// so out-of-order inserts do not pull the boundary back.
// Sequence returns zero for a buffer with no inserts since construction
// or the last Reset.
func (b *Buffer[T]) Sequence() uint16 {
	if !b.nonEmpty {
		return 0
	}
	return b.seq
}

// Reset discards every entry and returns the buffer
// to its freshly constructed state, retaining the backing storage.
func (b *Buffer[T]) Reset() {
	clear(b.vals)
	clear(b.live)
	b.seq = 0
	b.nonEmpty = false
}

func (b *Buffer[T]) slot(id uint16) int {
	return int(id) % len(b.vals)
}
