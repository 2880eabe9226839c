package transport

import "slices"

// acceptQueue holds Conns admitted for new peers that no caller has claimed
// yet. The owning backend's mutex guards items; ready wakes one waiting
// Accept and is re-armed while items remain.
type acceptQueue[C comparable] struct {
	items []C
	ready chan struct{}
}

func newAcceptQueue[C comparable]() acceptQueue[C] {
	return acceptQueue[C]{ready: make(chan struct{}, 1)}
}

func (q *acceptQueue[C]) len() int {
	return len(q.items)
}

func (q *acceptQueue[C]) push(c C) {
	q.items = append(q.items, c)
	q.signal()
}

// pop removes the oldest Conn.
func (q *acceptQueue[C]) pop() (C, bool) {
	var zero C
	if len(q.items) == 0 {
		return zero, false
	}
	c := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return c, true
}

// remove takes c out of the queue, reporting whether it was queued.
func (q *acceptQueue[C]) remove(c C) bool {
	i := slices.Index(q.items, c)
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	return true
}

// drain empties the queue and returns what it held.
func (q *acceptQueue[C]) drain() []C {
	items := q.items
	q.items = nil
	return items
}

func (q *acceptQueue[C]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
