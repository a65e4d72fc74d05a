package notify

import (
	"context"
	"sync"
)

// Dispatcher delivers queued values to a Registry from its own goroutine,
// in the order they were queued. Enqueue never waits for observers.
type Dispatcher[T any] struct {
	registry *Registry[T]

	mu      sync.Mutex
	pending []dispatch[T]
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

type dispatch[T any] struct {
	value   T
	barrier chan struct{}
}

// NewDispatcher starts the delivery goroutine. Close stops it.
func NewDispatcher[T any](registry *Registry[T]) *Dispatcher[T] {
	d := &Dispatcher[T]{
		registry: registry,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher[T]) push(item dispatch[T]) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.pending = append(d.pending, item)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Enqueue queues value for delivery. It is dropped after Close.
func (d *Dispatcher[T]) Enqueue(value T) {
	d.push(dispatch[T]{value: value})
}

// Flush waits until every value queued before the call has been delivered.
func (d *Dispatcher[T]) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !d.push(dispatch[T]{barrier: barrier}) {
		return nil
	}
	select {
	case <-barrier:
		return nil
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher[T]) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()

		for _, item := range batch {
			select {
			case <-d.stop:
				return
			default:
			}
			if item.barrier != nil {
				close(item.barrier)
				continue
			}
			d.registry.Publish(item.value)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-d.stop:
			return
		case <-d.wake:
		}
	}
}

// Close drops undelivered values and waits for an in-flight delivery to
// return, or for ctx to expire.
func (d *Dispatcher[T]) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stop)
	}
	d.pending = nil
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
