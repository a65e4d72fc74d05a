package notify

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry is an ordered set of observers. Publish copies the observer list
// before invoking anything, so observers may register or unregister from
// inside a callback.
type Registry[T any] struct {
	mu      sync.Mutex
	entries []entry[T]
	nextID  int
	logger  *slog.Logger
	name    string
}

type entry[T any] struct {
	id int
	fn func(T)
}

// NewRegistry returns an empty registry. name is only used in log lines.
func NewRegistry[T any](name string, logger *slog.Logger) *Registry[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[T]{name: name, logger: logger}
}

// Register appends fn and returns a function that removes it again.
// Calling the returned function more than once is a no-op.
func (r *Registry[T]) Register(fn func(T)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.entries = append(r.entries, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

// Len reports the number of registered observers.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear drops every observer.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

// Publish invokes every observer in registration order. A panicking
// observer is logged and skipped; the rest still run.
func (r *Registry[T]) Publish(value T) {
	r.mu.Lock()
	list := make([]func(T), 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e.fn)
	}
	r.mu.Unlock()

	for _, fn := range list {
		r.Invoke(fn, value)
	}
}

// Invoke runs fn with the same panic isolation as Publish.
func (r *Registry[T]) Invoke(fn func(T), value T) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("callback failed",
				slog.String("registry", r.name),
				slog.String("error", fmt.Sprint(rec)),
			)
		}
	}()
	fn(value)
}
