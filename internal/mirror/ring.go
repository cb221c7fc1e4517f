package mirror

// ring is a bounded FIFO that drops the oldest element on overflow.
type ring[T any] struct {
	cap   int
	items []T
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{cap: capacity}
}

func (r *ring[T]) append(v T) {
	if len(r.items) == r.cap {
		copy(r.items, r.items[1:])
		r.items[len(r.items)-1] = v
		return
	}
	r.items = append(r.items, v)
}

func (r *ring[T]) values() []T {
	return append([]T(nil), r.items...)
}

func (r *ring[T]) len() int { return len(r.items) }

func (r *ring[T]) clear() { r.items = r.items[:0] }
