// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observer provides a list of observers that tolerates changes
// while it is being iterated.
//
// Observers may add or remove observers, including themselves, from inside
// a notification. Removal during iteration leaves a hole that is compacted
// once the outermost iteration finishes, so no observer is skipped or
// visited twice.
//
// A List is not safe for concurrent use. With sync.ChecksEnabled it verifies
// that it is only used from one sequence.
package observer

import (
	"fmt"
	"iter"

	"gobase.dev/gobase/pkg/sequence"
	"gobase.dev/gobase/pkg/sync"
)

// Policy selects which observers an iteration visits.
type Policy int

const (
	// All visits observers added during the iteration as well.
	All Policy = iota

	// ExistingOnly visits only observers present when the iteration
	// started.
	ExistingOnly
)

// Options configures a List.
type Options struct {
	// Policy applies to every iteration.
	Policy Policy

	// CheckEmpty makes Close panic if observers are still registered.
	CheckEmpty bool

	// DisallowReentrancy makes a nested iteration panic.
	DisallowReentrancy bool
}

type entry[T comparable] struct {
	v       T
	removed bool
}

// List is an observer list. The zero value is an empty list with default
// options.
type List[T comparable] struct {
	opts      Options
	observers []entry[T]

	// iterators is the number of live iterations.
	iterators int

	checker sequence.Checker
}

// New returns an empty list with the given options.
func New[T comparable](opts Options) *List[T] {
	return &List[T]{opts: opts}
}

func (l *List[T]) checkSequence() {
	if sync.ChecksEnabled() && !l.checker.CalledOnValidSequence() {
		panic(fmt.Sprintf("observer list %p used from %v, bound to %v", l, sequence.Current(), l.checker.Bound()))
	}
}

// AddObserver adds obs. Adding an observer twice panics.
func (l *List[T]) AddObserver(obs T) {
	l.checkSequence()
	if l.HasObserver(obs) {
		panic(fmt.Sprintf("observer %v added twice", obs))
	}
	l.observers = append(l.observers, entry[T]{v: obs})
}

// RemoveObserver removes obs if it is present.
func (l *List[T]) RemoveObserver(obs T) {
	l.checkSequence()
	for i := range l.observers {
		e := &l.observers[i]
		if e.removed || e.v != obs {
			continue
		}
		if l.iterators > 0 {
			e.removed = true
			var zero T
			e.v = zero
		} else {
			l.observers = append(l.observers[:i], l.observers[i+1:]...)
		}
		return
	}
}

// HasObserver returns whether obs is in the list.
func (l *List[T]) HasObserver(obs T) bool {
	for _, e := range l.observers {
		if !e.removed && e.v == obs {
			return true
		}
	}
	return false
}

// Clear removes every observer.
func (l *List[T]) Clear() {
	l.checkSequence()
	if l.iterators == 0 {
		l.observers = nil
		return
	}
	var zero T
	for i := range l.observers {
		l.observers[i] = entry[T]{v: zero, removed: true}
	}
}

// MightHaveObservers returns false only if the list is certainly empty.
func (l *List[T]) MightHaveObservers() bool {
	return len(l.observers) != 0
}

// Len returns the number of observers.
func (l *List[T]) Len() int {
	n := 0
	for _, e := range l.observers {
		if !e.removed {
			n++
		}
	}
	return n
}

// All returns an iterator over the observers, honoring the list's Policy.
func (l *List[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		l.checkSequence()
		if l.opts.DisallowReentrancy && l.iterators > 0 {
			panic("observer list iterated reentrantly")
		}
		limit := -1
		if l.opts.Policy == ExistingOnly {
			limit = len(l.observers)
		}
		l.iterators++
		defer func() {
			l.iterators--
			if l.iterators == 0 {
				l.compact()
			}
		}()
		for i := 0; i < len(l.observers) && (limit < 0 || i < limit); i++ {
			e := l.observers[i]
			if e.removed {
				continue
			}
			if !yield(e.v) {
				return
			}
		}
	}
}

// ForEach calls fn for every observer.
func (l *List[T]) ForEach(fn func(T)) {
	for obs := range l.All() {
		fn(obs)
	}
}

// compact drops the holes left by removals during iteration.
func (l *List[T]) compact() {
	live := l.observers[:0]
	for _, e := range l.observers {
		if !e.removed {
			live = append(live, e)
		}
	}
	var zero entry[T]
	for i := len(live); i < len(l.observers); i++ {
		l.observers[i] = zero
	}
	l.observers = live
}

// Close ends the list's life. With CheckEmpty set, it panics if observers
// are still registered.
func (l *List[T]) Close() {
	if l.opts.CheckEmpty && l.Len() != 0 {
		panic(fmt.Sprintf("observer list %p closed with %d observers", l, l.Len()))
	}
	l.observers = nil
}
