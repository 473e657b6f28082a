package server

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Slot is one unit of connection capacity. Slots are reused by successive
// connections.
type Slot struct {
	ID int
}

// Dispatcher bounds the number of sessions running at once. A permit is
// taken before a slot is popped and returned after the slot is pushed back.
type Dispatcher struct {
	sem   *semaphore.Weighted
	slots chan *Slot
	size  int
}

func NewDispatcher(size int) *Dispatcher {
	d := &Dispatcher{
		sem:   semaphore.NewWeighted(int64(size)),
		slots: make(chan *Slot, size),
		size:  size,
	}
	for i := 0; i < size; i++ {
		d.slots <- &Slot{ID: i}
	}
	return d
}

// Acquire blocks until a slot is free or ctx is done.
func (d *Dispatcher) Acquire(ctx context.Context) (*Slot, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return <-d.slots, nil
}

// Release returns a slot taken with Acquire. Call it exactly once per slot.
func (d *Dispatcher) Release(slot *Slot) {
	d.slots <- slot
	d.sem.Release(1)
}

// Size is the total number of slots.
func (d *Dispatcher) Size() int {
	return d.size
}

// Busy reports how many slots are currently taken.
func (d *Dispatcher) Busy() int {
	return d.size - len(d.slots)
}
