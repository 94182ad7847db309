package transport

import "sync"

// Listeners is an ordered set of callbacks. Emit never holds the lock while
// invoking callbacks, so a callback may add or remove listeners.
type Listeners[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []listenerEntry[T]
	sealed  bool
}

type listenerEntry[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn. On a sealed set it is a no-op.
func (l *Listeners[T]) Add(fn func(T)) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return func() {}
	}
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, listenerEntry[T]{id: id, fn: fn})

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

// Emit calls every registered listener in registration order.
func (l *Listeners[T]) Emit(v T) {
	l.mu.Lock()
	snapshot := make([]listenerEntry[T], len(l.entries))
	copy(snapshot, l.entries)
	l.mu.Unlock()

	for _, e := range snapshot {
		e.fn(v)
	}
}

// Seal removes every listener and ignores later registrations.
func (l *Listeners[T]) Seal() {
	l.mu.Lock()
	l.entries = nil
	l.sealed = true
	l.mu.Unlock()
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
