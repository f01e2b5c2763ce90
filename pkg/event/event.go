// Package event provides a small typed observer used by every component that reports lifecycle changes.
package event

import (
	"slices"
	"sync"
)

// Emitter fans a value out to every subscribed handler. The zero value is ready to use.
type Emitter[T any] struct {
	mu       sync.Mutex
	next     int
	handlers map[int]func(T)
}

// Subscribe registers fn and returns a function that removes it again. Calling the cancel function more than once
// is harmless.
func (e *Emitter[T]) Subscribe(fn func(T)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[int]func(T))
	}
	id := e.next
	e.next++
	e.handlers[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

// Emit calls every handler in subscription order. Handlers run on the caller's goroutine without the emitter lock
// held, so they may subscribe or cancel.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.handlers))
	for id := range e.handlers {
		ids = append(ids, id)
	}
	fns := make([]func(T), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, e.handlers[id])
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of live subscriptions.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}
