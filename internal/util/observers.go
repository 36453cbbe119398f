package util

import "sync"

// Observers is a list of callbacks for one kind of event. Each registration
// can be removed on its own, even when the same func was added twice. The
// zero value is ready to use.
type Observers[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries []observer[T]
}

type observer[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn and returns a func that removes this registration.
func (o *Observers[T]) Add(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next++
	id := o.next
	o.entries = append(o.entries, observer[T]{id: id, fn: fn})
	return func() { o.remove(id) }
}

func (o *Observers[T]) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, entry := range o.entries {
		if entry.id == id {
			o.entries = append(o.entries[:i:i], o.entries[i+1:]...)
			return
		}
	}
}

// Notify calls every registered func in registration order. Callbacks run
// without the lock held, so they may add or remove registrations.
func (o *Observers[T]) Notify(value T) {
	o.mu.Lock()
	fns := make([]func(T), len(o.entries))
	for i, entry := range o.entries {
		fns[i] = entry.fn
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(value)
	}
}

func (o *Observers[T]) Clear() {
	o.mu.Lock()
	o.entries = nil
	o.mu.Unlock()
}

func (o *Observers[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
