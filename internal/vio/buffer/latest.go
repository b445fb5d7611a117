package buffer

import "sync"

// Latest is a single-slot mailbox with overwrite semantics: a Store
// replaces any value that has not been taken yet.
type Latest[T any] struct {
	mu    sync.Mutex
	value T
	full  bool
}

// Store saves v and reports whether an unconsumed value was overwritten.
func (l *Latest[T]) Store(v T) (overwritten bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	overwritten = l.full
	l.value = v
	l.full = true
	return overwritten
}

// Take returns the stored value and empties the slot.
func (l *Latest[T]) Take() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	if !l.full {
		return zero, false
	}
	v := l.value
	l.value = zero
	l.full = false
	return v, true
}

// Clear empties the slot.
func (l *Latest[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	l.value = zero
	l.full = false
}

// Full reports whether a value is waiting.
func (l *Latest[T]) Full() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.full
}
