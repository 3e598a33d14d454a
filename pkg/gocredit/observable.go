package gocredit

import "sync"

// Observable holds a value with a single writer and any number of subscribers.
// Subscribers receive the latest value on a conflated channel of capacity 1,
// so a slow reader skips intermediate values instead of blocking the writer.
type Observable[T any] struct {
	mu     sync.RWMutex
	value  T
	subs   map[int]chan T
	nextID int
}

// NewObservable creates an observable holding initial
func NewObservable[T any](initial T) *Observable[T] {
	return &Observable[T]{
		value: initial,
		subs:  make(map[int]chan T),
	}
}

// Get returns the current value
func (o *Observable[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value
}

// Subscribe returns a channel that first receives the current value and then every
// subsequent one. The cancel func unsubscribes and closes the channel; calling it
// more than once is safe.
func (o *Observable[T]) Subscribe() (<-chan T, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextID
	o.nextID++
	ch := make(chan T, 1)
	ch <- o.value
	o.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// set replaces the value and notifies subscribers. Only the owning model calls it.
func (o *Observable[T]) set(v T) {
	o.update(func(T) T { return v })
}

// update applies fn to the current value under the lock and publishes the result
func (o *Observable[T]) update(fn func(T) T) T {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.value = fn(o.value)
	for _, ch := range o.subs {
		select {
		case <-ch:
		default:
		}
		ch <- o.value
	}
	return o.value
}
