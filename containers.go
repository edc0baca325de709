package cqlpool

import (
	"go.uber.org/atomic"
)

// deck is a FIFO queue.
type deck[T any] struct {
	data []T
}

func (d *deck[T]) push(x T) {
	d.data = append(d.data, x)
}

func (d *deck[T]) pop() (T, bool) {
	var zero T
	if len(d.data) == 0 {
		return zero, false
	}

	x := d.data[0]
	d.data[0] = zero
	d.data = d.data[1:]
	return x, true
}

func (d *deck[T]) size() int {
	return len(d.data)
}

// newStreamIDs returns a deck holding stream ids 1..n.
// Stream 0 is left unused and negative ids belong to the server.
func newStreamIDs(n int) *deck[int16] {
	d := &deck[int16]{data: make([]int16, 0, n)}
	for i := 1; i <= n; i++ {
		d.push(int16(i))
	}
	return d
}

// roundRobin is a lock-free cursor over a sequence of a given size.
type roundRobin struct {
	idx atomic.Uint64
}

// next returns the index to start the next scan of a sequence of size n from.
func (rr *roundRobin) next(n int) int {
	if n <= 0 {
		panic("empty container")
	}
	return int((rr.idx.Inc() - 1) % uint64(n))
}
