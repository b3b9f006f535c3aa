package audio

import (
	"sync"
	"sync/atomic"
)

// Observers is a copy-on-write list of callbacks. Subscribe and unsubscribe
// take a mutex; Notify only loads an atomic snapshot, so it is safe to call
// from the audio path while the list is being changed.
//
// The zero value is ready to use.
type Observers[T any] struct {
	mu     sync.Mutex
	nextID uint64
	list   atomic.Pointer[[]observer[T]]
}

type observer[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it again.
// Calling the returned function more than once is a no-op.
func (o *Observers[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	var cur []observer[T]
	if p := o.list.Load(); p != nil {
		cur = *p
	}
	next := make([]observer[T], len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, observer[T]{id: id, fn: fn})
	o.list.Store(&next)
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(id) })
	}
}

func (o *Observers[T]) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.list.Load()
	if p == nil {
		return
	}
	next := make([]observer[T], 0, len(*p))
	for _, ob := range *p {
		if ob.id != id {
			next = append(next, ob)
		}
	}
	o.list.Store(&next)
}

// Notify calls every subscribed function with v in subscription order.
func (o *Observers[T]) Notify(v T) {
	p := o.list.Load()
	if p == nil {
		return
	}
	for _, ob := range *p {
		ob.fn(v)
	}
}

// Len returns the number of subscribers.
func (o *Observers[T]) Len() int {
	if p := o.list.Load(); p != nil {
		return len(*p)
	}
	return 0
}

// Clear removes every subscriber.
func (o *Observers[T]) Clear() {
	o.mu.Lock()
	o.list.Store(nil)
	o.mu.Unlock()
}
