package volatile

import (
	"container/list"
	"iter"
	"time"
)

type listMapEntry[K comparable, V any] struct {
	key    K
	values *Set[V]
}

// ListMap maps each key to a time-bounded set of values. Keys whose value
// set empties on Refresh are removed.
type ListMap[K comparable, V any] struct {
	newSet func() *Set[V]
	hot    map[K]*list.Element
	order  *list.List
}

func NewListMap[K comparable, V comparable](ttl time.Duration, clock Clock) *ListMap[K, V] {
	return newListMap[K, V](func() *Set[V] { return NewSet[V](ttl, clock) })
}

func NewListMapFunc[K comparable, V any](ttl time.Duration, clock Clock, key func(V) string) *ListMap[K, V] {
	return newListMap[K, V](func() *Set[V] { return NewSetFunc(ttl, clock, key) })
}

func newListMap[K comparable, V any](newSet func() *Set[V]) *ListMap[K, V] {
	return &ListMap[K, V]{
		newSet: newSet,
		hot:    make(map[K]*list.Element),
		order:  list.New(),
	}
}

func (m *ListMap[K, V]) entry(key K) *listMapEntry[K, V] {
	if el, ok := m.hot[key]; ok {
		return el.Value.(*listMapEntry[K, V])
	}
	ent := &listMapEntry[K, V]{key: key, values: m.newSet()}
	m.hot[key] = m.order.PushBack(ent)
	return ent
}

func (m *ListMap[K, V]) Add(key K, v V) {
	m.entry(key).values.Add(v)
}

func (m *ListMap[K, V]) AddRange(key K, vs []V) {
	if len(vs) == 0 {
		return
	}
	m.entry(key).values.AddRange(vs)
}

// TryGetValue returns the live values for key in insertion order.
func (m *ListMap[K, V]) TryGetValue(key K) ([]V, bool) {
	el, ok := m.hot[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*listMapEntry[K, V]).values.Values(), true
}

func (m *ListMap[K, V]) Len() int {
	return len(m.hot)
}

func (m *ListMap[K, V]) Keys() []K {
	out := make([]K, 0, len(m.hot))
	for el := m.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*listMapEntry[K, V]).key)
	}
	return out
}

// All yields each live key with its values in insertion order.
func (m *ListMap[K, V]) All() iter.Seq2[K, []V] {
	return func(yield func(K, []V) bool) {
		for el := m.order.Front(); el != nil; el = el.Next() {
			ent := el.Value.(*listMapEntry[K, V])
			if !yield(ent.key, ent.values.Values()) {
				return
			}
		}
	}
}

func (m *ListMap[K, V]) Refresh() {
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		ent := el.Value.(*listMapEntry[K, V])
		ent.values.Refresh()
		if ent.values.Len() == 0 {
			delete(m.hot, ent.key)
			m.order.Remove(el)
		}
		el = next
	}
}
