// Package modellist provides the ordered, keyed container every node list of
// the model graph is built on.
package modellist

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
)

// Identified is implemented by items keyed by their own id.
type Identified interface {
	ID() string
}

// Merger is implemented by items that can absorb the state of another item
// of the same type. CopyFrom uses it to merge entries in place.
type Merger[T any] interface {
	CopyFrom(other T)
}

// List is an ordered map of items. Insertion order of first insertion is
// kept; re-inserting a key replaces the value in place. A sealed list
// rejects structural changes with a panic. Lists are not safe for
// concurrent use.
type List[T any] struct {
	key    func(T) string
	keys   []string
	items  map[string]T
	sealed bool
}

// New returns an empty list keyed by key.
func New[T any](key func(T) string) *List[T] {
	return &List[T]{key: key, items: make(map[string]T)}
}

// Of returns an empty list keyed by the items' ID.
func Of[T Identified]() *List[T] {
	return New(func(item T) string { return item.ID() })
}

// Insert adds item or replaces the item stored under the same key. An
// explicit key function overrides the list's default for this call.
func (l *List[T]) Insert(item T, keyFn ...func(T) string) {
	key := l.keyOf(item, keyFn)
	if l.sealed {
		panic(fmt.Sprintf("modellist: insert %q into sealed list", key))
	}
	if _, ok := l.items[key]; !ok {
		l.keys = append(l.keys, key)
	}
	l.items[key] = item
}

// Remove deletes the entry stored under key and reports whether it existed.
func (l *List[T]) Remove(key string) bool {
	if l.sealed {
		panic(fmt.Sprintf("modellist: remove %q from sealed list", key))
	}
	if _, ok := l.items[key]; !ok {
		return false
	}
	delete(l.items, key)
	l.keys = slices.DeleteFunc(l.keys, func(k string) bool { return k == key })
	return true
}

// Get returns the item stored under key.
func (l *List[T]) Get(key string) (T, bool) {
	item, ok := l.items[key]
	return item, ok
}

// Has reports whether key is present.
func (l *List[T]) Has(key string) bool {
	_, ok := l.items[key]
	return ok
}

// Len returns the number of entries.
func (l *List[T]) Len() int {
	return len(l.keys)
}

// Models returns the items in order. The returned slice is a copy.
func (l *List[T]) Models() []T {
	out := make([]T, 0, len(l.keys))
	for _, k := range l.keys {
		out = append(out, l.items[k])
	}
	return out
}

// Keys returns the keys in order. The returned slice is a copy.
func (l *List[T]) Keys() []string {
	return slices.Clone(l.keys)
}

// All iterates over key/item pairs in order.
func (l *List[T]) All() iter.Seq2[string, T] {
	return func(yield func(string, T) bool) {
		for _, k := range slices.Clone(l.keys) {
			item, ok := l.items[k]
			if !ok {
				continue
			}
			if !yield(k, item) {
				return
			}
		}
	}
}

// SortBy reorders the entries by rank, lowest first. Entries of equal rank
// keep their relative order.
func (l *List[T]) SortBy(rank func(key string, item T) int) {
	if l.sealed {
		panic("modellist: sort sealed list")
	}
	slices.SortStableFunc(l.keys, func(a, b string) int {
		return cmp.Compare(rank(a, l.items[a]), rank(b, l.items[b]))
	})
}

// Clear removes every entry.
func (l *List[T]) Clear() {
	if l.sealed {
		panic("modellist: clear sealed list")
	}
	l.keys = nil
	l.items = make(map[string]T)
}

// CopyFrom merges other into l. Entries of other replace entries under the
// same key, unless the existing entry implements Merger, in which case it is
// merged in place. Entries absent from other are kept.
func (l *List[T]) CopyFrom(other *List[T]) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		item := other.items[k]
		if existing, ok := l.items[k]; ok {
			if m, ok := any(existing).(Merger[T]); ok {
				m.CopyFrom(item)
				continue
			}
		}
		l.Insert(item, func(T) string { return k })
	}
}

// Seal freezes the list structure.
func (l *List[T]) Seal() {
	l.sealed = true
}

// IsSealed reports whether Seal was called.
func (l *List[T]) IsSealed() bool {
	return l.sealed
}

func (l *List[T]) keyOf(item T, keyFn []func(T) string) string {
	if len(keyFn) > 0 && keyFn[0] != nil {
		return keyFn[0](item)
	}
	return l.key(item)
}
