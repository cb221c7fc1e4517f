package mirror

import "sync"

// cell is a single-writer, multi-reader observable holding the latest
// Snapshot. Subscribers receive the current value immediately and then every
// replacement; a slow subscriber sees the newest value, not a backlog.
type cell struct {
	mu    sync.Mutex
	value Snapshot
	subs  map[int]chan Snapshot
	next  int
}

func newCell() *cell {
	return &cell{subs: make(map[int]chan Snapshot)}
}

func (c *cell) get() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *cell) set(v Snapshot) {
	c.mu.Lock()
	c.value = v
	for _, ch := range c.subs {
		// Latest-value semantics: displace a stale pending value.
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
	c.mu.Unlock()
}

// subscribe returns a channel primed with the current value and a cancel
// function that closes it.
func (c *cell) subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	id := c.next
	c.next++
	ch := make(chan Snapshot, 1)
	ch <- c.value
	c.subs[id] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		if existing, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(existing)
		}
		c.mu.Unlock()
	}
}
