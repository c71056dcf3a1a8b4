package session

import "sync"

// ActiveFlag is an observable boolean. Subscribers are notified, in
// subscription order, only when the value changes. Set calls are serialized,
// so subscribers observe transitions in the order they were published.
// Subscribers must not call Set.
type ActiveFlag struct {
	publish sync.Mutex

	mu    sync.Mutex
	value bool
	next  int
	subs  map[int]func(bool)
	order []int
}

// NewActiveFlag returns a flag initialised to false.
func NewActiveFlag() *ActiveFlag {
	return &ActiveFlag{subs: make(map[int]func(bool))}
}

// Value returns the current value.
func (f *ActiveFlag) Value() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Set publishes v. It reports whether the value changed.
func (f *ActiveFlag) Set(v bool) bool {
	f.publish.Lock()
	defer f.publish.Unlock()

	f.mu.Lock()
	if f.value == v {
		f.mu.Unlock()
		return false
	}
	f.value = v
	subs := make([]func(bool), 0, len(f.order))
	for _, id := range f.order {
		subs = append(subs, f.subs[id])
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
	return true
}

// Subscribe registers fn for change notifications. The returned function
// removes the subscription and is safe to call more than once.
func (f *ActiveFlag) Subscribe(fn func(bool)) (unsubscribe func()) {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = fn
	f.order = append(f.order, id)
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs, id)
			for i, candidate := range f.order {
				if candidate == id {
					f.order = append(f.order[:i], f.order[i+1:]...)
					break
				}
			}
		})
	}
}
