// Package events provides a typed in-process listener registry.
package events

import "sync"

// Bus delivers events synchronously to the listeners registered when Emit is
// called. Listeners added or removed during delivery take effect on the next
// Emit.
type Bus[T any] struct {
	mu        sync.Mutex
	next      uint64
	listeners map[uint64]func(T)
	order     []uint64
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{listeners: make(map[uint64]func(T))}
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	if b.listeners == nil {
		b.listeners = make(map[uint64]func(T))
	}
	b.next++
	id := b.next
	b.listeners[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
}

// Emit calls every listener in subscription order on the caller's goroutine.
func (b *Bus[T]) Emit(ev T) {
	b.mu.Lock()
	snapshot := make([]func(T), 0, len(b.order))
	for _, id := range b.order {
		snapshot = append(snapshot, b.listeners[id])
	}
	b.mu.Unlock()

	for _, fn := range snapshot {
		fn(ev)
	}
}

// Len reports the number of registered listeners.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}
