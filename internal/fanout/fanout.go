// Package fanout delivers values to subscribers synchronously, in
// registration order.
package fanout

import (
	"sync"
	"sync/atomic"
)

type subscriber[T any] struct {
	fn     func(T)
	active atomic.Bool
}

type Set[T any] struct {
	mu   sync.Mutex
	subs []*subscriber[T]
}

// Subscribe registers fn. The returned func removes it; once it returns, fn
// is not called again, even by an Emit that is already running.
func (s *Set[T]) Subscribe(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	sub := &subscriber[T]{fn: fn}
	sub.active.Store(true)
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, candidate := range s.subs {
				if candidate == sub {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit calls every active subscriber with v on the calling goroutine.
func (s *Set[T]) Emit(v T) {
	s.mu.Lock()
	snapshot := append([]*subscriber[T](nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		sub.fn(v)
	}
}

func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
