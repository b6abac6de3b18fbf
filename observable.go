package chatsync

import "sync"

// Observable holds a value and notifies subscribers of changes. Values are
// treated as immutable once set: callers replace maps and slices rather than
// mutating them.
type Observable[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[int]chan T
	next  int
}

// NewObservable returns an observable holding v.
func NewObservable[T any](v T) *Observable[T] {
	return &Observable[T]{value: v, subs: make(map[int]chan T)}
}

// Value returns the current value.
func (o *Observable[T]) Value() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

// Set replaces the value.
func (o *Observable[T]) Set(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = v
	o.notify()
}

// Update applies fn to the current value atomically and returns the result.
// fn must not call back into the same observable.
func (o *Observable[T]) Update(fn func(T) T) T {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = fn(o.value)
	o.notify()
	return o.value
}

// Subscribe returns a channel that receives the current value and then the
// latest value after each change. Slow readers only see the newest value.
func (o *Observable[T]) Subscribe() (<-chan T, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.next
	o.next++
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

func (o *Observable[T]) notify() {
	for _, ch := range o.subs {
		select {
		case <-ch:
		default:
		}
		ch <- o.value
	}
}

// CompareAndSet sets the value to new only when it currently equals old.
func CompareAndSet[T comparable](o *Observable[T], old, new T) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.value != old {
		return false
	}
	o.value = new
	o.notify()
	return true
}
