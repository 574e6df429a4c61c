package client

import "sync"

type listener[T any] struct {
	id int
	fn func(T)
}

// listeners is a subscription list safe for concurrent add, remove and
// emit. Handlers run in subscription order.
type listeners[T any] struct {
	mu   sync.RWMutex
	next int
	fns  []listener[T]
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	l.next++
	id := l.next
	l.fns = append(l.fns, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, entry := range l.fns {
				if entry.id == id {
					l.fns = append(l.fns[:i:i], l.fns[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.RLock()
	fns := append([]listener[T](nil), l.fns...)
	l.mu.RUnlock()
	for _, entry := range fns {
		entry.fn(v)
	}
}
