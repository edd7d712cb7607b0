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

package callback

import (
	"fmt"
	"io"

	"gobase.dev/gobase/pkg/log"
	"gobase.dev/gobase/pkg/refs"
	"gobase.dev/gobase/pkg/sync"
)

// StorageKind is how a bound argument is held and forwarded.
type StorageKind int

const (
	// KindCopyable arguments are stored by value and forwarded as a copy on
	// every run. Pointers, slices and maps share their referent.
	KindCopyable StorageKind = iota

	// KindMoveOnly arguments are forwarded by destructive transfer: the
	// bound slot is cleared by the first forward and may not be forwarded
	// again.
	KindMoveOnly
)

// String implements fmt.Stringer.
func (k StorageKind) String() string {
	switch k {
	case KindCopyable:
		return "copyable"
	case KindMoveOnly:
		return "move-only"
	default:
		return fmt.Sprintf("StorageKind(%d)", int(k))
	}
}

// MoveOnly is implemented by types whose values may be transferred but must
// not be duplicated. Types opt in by embedding MoveOnlyType.
type MoveOnly interface {
	moveOnly()
}

// MoveOnlyType marks the embedding type as move-only.
type MoveOnlyType struct {
	// passed is set by Passed on the copy being bound and cleared when the
	// copy is stored.
	passed bool
}

func (MoveOnlyType) moveOnly() {}

func (m *MoveOnlyType) markPassed() {
	m.passed = true
}

func (m *MoveOnlyType) takePassed() bool {
	p := m.passed
	m.passed = false
	return p
}

type passMarker interface {
	markPassed()
	takePassed() bool
}

// pendingPasses holds move-only pointers handed to Passed that have not been
// bound yet. Pointees are never marked.
var pendingPasses sync.Map

// boundReleaser is implemented by bind helpers that own a resource on behalf
// of the bind state.
type boundReleaser interface {
	releaseBound()
}

func kindOf(v any) StorageKind {
	if _, ok := v.(MoveOnly); ok {
		return KindMoveOnly
	}
	return KindCopyable
}

// ParamTraits returns how an argument of static type T is stored when bound.
// A value whose dynamic type is move-only is stored as move-only even if T is
// an interface type.
func ParamTraits[T any]() StorageKind {
	var zero T
	return kindOf(zero)
}

// Passed marks a move-only value so that it may be bound into a repeating
// callback. The first run of that callback transfers the value out; a second
// run panics.
//
// Passed returns v unchanged if its type is not move-only.
func Passed[T any](v T) T {
	if m, ok := any(&v).(passMarker); ok {
		m.markPassed()
	} else if m, ok := any(v).(passMarker); ok {
		pendingPasses.Store(m, struct{}{})
	}
	return v
}

// takePass reports whether *v was handed to Passed and consumes the mark, so
// the stored value no longer carries it.
func takePass[P any](v *P) bool {
	if m, ok := any(v).(passMarker); ok {
		return m.takePassed()
	}
	if m, ok := any(*v).(passMarker); ok {
		_, found := pendingPasses.LoadAndDelete(m)
		return found
	}
	return false
}

// storage holds one bound argument inside a bind state.
type storage[P any] struct {
	v        P
	moveOnly bool
	passed   bool
	moved    bool
}

// makeStorage resolves the traits of v. Binding a move-only value into a
// repeating callback is rejected unless the value was Passed.
func makeStorage[P any](v P, repeating bool) storage[P] {
	s := storage[P]{v: v}
	s.passed = takePass(&s.v)
	if kindOf(v) == KindMoveOnly || ParamTraits[P]() == KindMoveOnly {
		s.moveOnly = true
		if repeating && !s.passed {
			panic(fmt.Sprintf("callback: move-only %T bound into a repeating callback without Passed", v))
		}
	}
	return s
}

// forward returns the value to hand to the target function.
func (s *storage[P]) forward() P {
	if !s.moveOnly {
		return s.v
	}
	if s.moved {
		panic(fmt.Sprintf("callback: move-only %T forwarded after it was moved", s.v))
	}
	v := s.v
	var zero P
	s.v = zero
	s.moved = true
	return v
}

// destroy releases whatever the slot still owns.
func (s *storage[P]) destroy() {
	if r, ok := any(&s.v).(boundReleaser); ok {
		r.releaseBound()
	}
	var zero P
	s.v = zero
}

// Unique is a unique-ownership pointer. It is move-only: binding one
// transfers ownership to the callback, and running the callback transfers
// it to the target.
type Unique[T any] struct {
	MoveOnlyType
	p *T
}

// NewUnique returns a Unique owning p.
func NewUnique[T any](p *T) Unique[T] {
	return Unique[T]{p: p}
}

// Get returns the owned pointer without giving up ownership.
func (u Unique[T]) Get() *T {
	return u.p
}

// IsNil returns whether u owns nothing.
func (u Unique[T]) IsNil() bool {
	return u.p == nil
}

// Release gives up ownership and returns the pointer.
func (u *Unique[T]) Release() *T {
	p := u.p
	u.p = nil
	return p
}

// Retainer is a bound argument that keeps a reference on its referent for as
// long as the callback exists.
type Retainer[T refs.Counted] struct {
	ref refs.Ref[T]
}

// Retained takes a reference on obj for the lifetime of the callback it is
// bound to. The target receives a Retainer and must not keep obj beyond the
// call without taking its own reference.
func Retained[T refs.Counted](obj T) Retainer[T] {
	return Retainer[T]{ref: refs.NewRef(obj)}
}

// Get returns the retained object.
func (r Retainer[T]) Get() T {
	return r.ref.Get()
}

func (r *Retainer[T]) releaseBound() {
	r.ref.Reset()
}

// OwnedValue is a bound argument owned by the callback. If the value is an
// io.Closer it is closed when the callback is destroyed.
type OwnedValue[T any] struct {
	v      T
	closed bool
}

// Owned hands v to the callback it is bound to.
func Owned[T any](v T) OwnedValue[T] {
	return OwnedValue[T]{v: v}
}

// Get returns the owned value.
func (o OwnedValue[T]) Get() T {
	return o.v
}

func (o *OwnedValue[T]) releaseBound() {
	if o.closed {
		return
	}
	o.closed = true
	if c, ok := any(o.v).(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warningf("callback: closing owned %T: %v", o.v, err)
		}
	}
}
