package ringstore

// Ring is a fixed-capacity FIFO that overwrites its oldest element when full.
// It is not safe for concurrent use; Store guards each Ring with its own lock.
type Ring[T any] struct {
	items []T
	head  int // next write position
	size  int
}

// NewRing creates a Ring holding at most capacity items. A capacity below one
// is raised to one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends item and reports whether an older item was overwritten.
func (r *Ring[T]) Push(item T) (evicted bool) {
	evicted = r.size == len(r.items)
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	if !evicted {
		r.size++
	}
	return evicted
}

// Last copies out up to n of the most recent items, oldest first.
func (r *Ring[T]) Last(n int) []T {
	if n <= 0 || r.size == 0 {
		return []T{}
	}
	if n > r.size {
		n = r.size
	}
	out := make([]T, n)
	start := (r.head - n + len(r.items)) % len(r.items)
	for i := 0; i < n; i++ {
		out[i] = r.items[(start+i)%len(r.items)]
	}
	return out
}

// Newest returns the most recently pushed item.
func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[(r.head-1+len(r.items))%len(r.items)], true
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }
