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
	"unsafe"

	"gobase.dev/gobase/pkg/atomicbitops"
	"gobase.dev/gobase/pkg/refs"
)

// BindStateBase is the type-erased part of a bound function and its
// arguments. Concrete bind states embed it as their first field; the
// function fields below are the only code that knows the concrete layout.
//
// A BindStateBase is created holding one reference, which is adopted by the
// first handle.
type BindStateBase struct {
	refs refs.AtomicRefCount

	// polymorphicInvoke is the statically typed trampoline for the handle
	// flavor that owns this state: func(*BindStateBase),
	// func(*BindStateBase, A) or func(*BindStateBase) R.
	polymorphicInvoke any

	// destructor releases the bound arguments of the concrete state. It is
	// called exactly once, when the last reference is dropped.
	destructor func(*BindStateBase)

	// isCancelled reports whether running the state would be a no-op.
	isCancelled func(*BindStateBase) bool

	// once is set for states created by a BindOnce* function.
	once bool

	// consumed is set by the first Run of a once state.
	consumed atomicbitops.Bool
}

func returnFalse(*BindStateBase) bool {
	return false
}

// init must be called exactly once, by the constructor of the concrete state
// that embeds b. owner names the state in leak reports.
func (b *BindStateBase) init(owner any, invoke any, destructor func(*BindStateBase), isCancelled func(*BindStateBase) bool, once bool) {
	if isCancelled == nil {
		isCancelled = returnFalse
	}
	b.polymorphicInvoke = invoke
	b.destructor = destructor
	b.isCancelled = isCancelled
	b.once = once
	b.refs.InitRefsFor(owner)
}

// AddRef adds a reference to the state.
func (b *BindStateBase) AddRef() {
	b.refs.IncRef()
}

// Release drops a reference, destroying the bound arguments with the last
// one.
func (b *BindStateBase) Release() {
	b.refs.DecRef(func() {
		b.destructor(b)
	})
}

// IsCancelled returns whether the bound target has gone away.
func (b *BindStateBase) IsCancelled() bool {
	return b.isCancelled(b)
}

// HasOneRef returns whether exactly one handle refers to the state.
func (b *BindStateBase) HasOneRef() bool {
	return b.refs.HasOneRef()
}

// consume marks a once state as run. It panics if the state was already run
// through another copy of the handle.
func (b *BindStateBase) consume() {
	if b.once && !b.consumed.CompareAndSwap(false, true) {
		panic("callback: once callback run twice")
	}
}

func invoker[F any](b *BindStateBase) F {
	f, ok := b.polymorphicInvoke.(F)
	if !ok {
		var want F
		panic(fmt.Sprintf("callback: invoker is %T, handle expects %T", b.polymorphicInvoke, want))
	}
	return f
}

// bindState0 holds a function with no bound arguments.
type bindState0[F any] struct {
	BindStateBase
	functor F
}

// bindState1 holds a function with one bound argument.
type bindState1[F, P1 any] struct {
	BindStateBase
	functor F
	p1      storage[P1]
}

// bindState2 holds a function with two bound arguments.
type bindState2[F, P1, P2 any] struct {
	BindStateBase
	functor F
	p1      storage[P1]
	p2      storage[P2]
}

// bindState3 holds a function with three bound arguments.
type bindState3[F, P1, P2, P3 any] struct {
	BindStateBase
	functor F
	p1      storage[P1]
	p2      storage[P2]
	p3      storage[P3]
}

// The as* functions recover the concrete state from its embedded base. This
// is sound because a base is only ever handed to the trampolines that were
// instantiated together with its concrete state.

func as0[F any](b *BindStateBase) *bindState0[F] {
	return (*bindState0[F])(unsafe.Pointer(b))
}

func as1[F, P1 any](b *BindStateBase) *bindState1[F, P1] {
	return (*bindState1[F, P1])(unsafe.Pointer(b))
}

func as2[F, P1, P2 any](b *BindStateBase) *bindState2[F, P1, P2] {
	return (*bindState2[F, P1, P2])(unsafe.Pointer(b))
}

func as3[F, P1, P2, P3 any](b *BindStateBase) *bindState3[F, P1, P2, P3] {
	return (*bindState3[F, P1, P2, P3])(unsafe.Pointer(b))
}

func newState0[F any](functor F, invoke any, once bool) *BindStateBase {
	s := &bindState0[F]{functor: functor}
	s.init(s, invoke, destroy0[F], nil, once)
	return &s.BindStateBase
}

func destroy0[F any](b *BindStateBase) {
	s := as0[F](b)
	var zero F
	s.functor = zero
}

func newState1[F, P1 any](functor F, p1 P1, invoke any, once bool) *BindStateBase {
	s := &bindState1[F, P1]{functor: functor}
	s.p1 = makeStorage(p1, !once)
	s.init(s, invoke, destroy1[F, P1], nil, once)
	return &s.BindStateBase
}

func destroy1[F, P1 any](b *BindStateBase) {
	s := as1[F, P1](b)
	var zero F
	s.functor = zero
	s.p1.destroy()
}

func newState2[F, P1, P2 any](functor F, p1 P1, p2 P2, invoke any, once bool) *BindStateBase {
	s := &bindState2[F, P1, P2]{functor: functor}
	s.p1 = makeStorage(p1, !once)
	s.p2 = makeStorage(p2, !once)
	s.init(s, invoke, destroy2[F, P1, P2], nil, once)
	return &s.BindStateBase
}

func destroy2[F, P1, P2 any](b *BindStateBase) {
	s := as2[F, P1, P2](b)
	var zero F
	s.functor = zero
	s.p1.destroy()
	s.p2.destroy()
}

func newState3[F, P1, P2, P3 any](functor F, p1 P1, p2 P2, p3 P3, invoke any, once bool) *BindStateBase {
	s := &bindState3[F, P1, P2, P3]{functor: functor}
	s.p1 = makeStorage(p1, !once)
	s.p2 = makeStorage(p2, !once)
	s.p3 = makeStorage(p3, !once)
	s.init(s, invoke, destroy3[F, P1, P2, P3], nil, once)
	return &s.BindStateBase
}

func destroy3[F, P1, P2, P3 any](b *BindStateBase) {
	s := as3[F, P1, P2, P3](b)
	var zero F
	s.functor = zero
	s.p1.destroy()
	s.p2.destroy()
	s.p3.destroy()
}

// Trampolines. Each one is instantiated for a single concrete state and a
// single handle flavor.

func invokeClosure0(b *BindStateBase) {
	as0[func()](b).functor()
}

func invokeArg0[A any](b *BindStateBase, a A) {
	as0[func(A)](b).functor(a)
}

func invokeResult0[R any](b *BindStateBase) R {
	return as0[func() R](b).functor()
}

func invokeClosure1[P1 any](b *BindStateBase) {
	s := as1[func(P1), P1](b)
	s.functor(s.p1.forward())
}

func invokeArg1[P1, A any](b *BindStateBase, a A) {
	s := as1[func(P1, A), P1](b)
	s.functor(s.p1.forward(), a)
}

func invokeResult1[P1, R any](b *BindStateBase) R {
	s := as1[func(P1) R, P1](b)
	return s.functor(s.p1.forward())
}

func invokeClosure2[P1, P2 any](b *BindStateBase) {
	s := as2[func(P1, P2), P1, P2](b)
	s.functor(s.p1.forward(), s.p2.forward())
}

func invokeClosure3[P1, P2, P3 any](b *BindStateBase) {
	s := as3[func(P1, P2, P3), P1, P2, P3](b)
	s.functor(s.p1.forward(), s.p2.forward(), s.p3.forward())
}
