// Package volatile holds time-bounded collections used for gossip state.
//
// Collections are not safe for concurrent use; the owner serializes access
// and calls Refresh from its own loop. There are no background timers.
package volatile

import (
	"container/list"
	"time"
)

// Clock returns the current time. A nil Clock means time.Now.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

type setEntry[T any] struct {
	key       any
	value     T
	updatedAt time.Time
}

// Set keeps values in first-insertion order and forgets them once they have
// not been re-added for longer than the ttl.
type Set[T any] struct {
	ttl   time.Duration
	clock Clock
	keyOf func(T) any
	hot   map[any]*list.Element
	order *list.List
}

func NewSet[T comparable](ttl time.Duration, clock Clock) *Set[T] {
	return newSet[T](ttl, clock, func(v T) any { return v })
}

// NewSetFunc builds a set for values that are not comparable; key maps each
// value to its identity.
func NewSetFunc[T any](ttl time.Duration, clock Clock, key func(T) string) *Set[T] {
	return newSet[T](ttl, clock, func(v T) any { return key(v) })
}

func newSet[T any](ttl time.Duration, clock Clock, keyOf func(T) any) *Set[T] {
	return &Set[T]{
		ttl:   ttl,
		clock: clock,
		keyOf: keyOf,
		hot:   make(map[any]*list.Element),
		order: list.New(),
	}
}

// Add inserts v or renews its timestamp. Renewal keeps the original position.
func (s *Set[T]) Add(v T) {
	s.addAt(v, s.clock.now())
}

func (s *Set[T]) AddRange(vs []T) {
	now := s.clock.now()
	for _, v := range vs {
		s.addAt(v, now)
	}
}

func (s *Set[T]) addAt(v T, now time.Time) {
	key := s.keyOf(v)
	if el, ok := s.hot[key]; ok {
		el.Value.(*setEntry[T]).updatedAt = now
		return
	}
	s.hot[key] = s.order.PushBack(&setEntry[T]{key: key, value: v, updatedAt: now})
}

func (s *Set[T]) Contains(v T) bool {
	_, ok := s.hot[s.keyOf(v)]
	return ok
}

func (s *Set[T]) Remove(v T) bool {
	key := s.keyOf(v)
	el, ok := s.hot[key]
	if !ok {
		return false
	}
	s.order.Remove(el)
	delete(s.hot, key)
	return true
}

func (s *Set[T]) Len() int {
	return len(s.hot)
}

// Values returns live values in insertion order.
func (s *Set[T]) Values() []T {
	out := make([]T, 0, len(s.hot))
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*setEntry[T]).value)
	}
	return out
}

// Refresh drops entries older than the ttl.
func (s *Set[T]) Refresh() {
	if s.ttl <= 0 {
		return
	}
	now := s.clock.now()
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		ent := el.Value.(*setEntry[T])
		if now.Sub(ent.updatedAt) > s.ttl {
			delete(s.hot, ent.key)
			s.order.Remove(el)
		}
		el = next
	}
}
