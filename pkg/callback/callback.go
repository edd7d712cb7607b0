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

// Package callback implements type-erased deferred function invocation.
//
// A Bind* function captures a target function and some of its arguments in
// a reference counted bind state and returns a handle to it. The handle's
// static type records only the unbound part of the signature: a
// RepeatingClosure may hold func(int, string) with both arguments bound just
// as well as func() with none.
//
// Handles come in two flavors. Repeating handles may be run any number of
// times and copied with Copy. Once handles are move-only and are consumed by
// Run. Every non-null handle owns one reference on its bind state, so each
// must eventually be Run (once handles) or Reset.
package callback

import (
	"fmt"
)

// CallbackBase is the part common to every handle type. The zero value is
// the null handle.
type CallbackBase struct {
	state *BindStateBase
}

// IsNull returns whether the handle is unbound.
func (c CallbackBase) IsNull() bool {
	return c.state == nil
}

// Reset releases the handle's reference and leaves it null. Resetting a
// value copy of a once handle whose original already ran panics: the copy
// owns no reference.
func (c *CallbackBase) Reset() {
	if s := c.state; s != nil {
		c.state = nil
		if s.once && s.consumed.Load() {
			panic("callback: Reset of a once callback copy after it ran")
		}
		s.Release()
	}
}

// IsCancelled returns whether running the handle would be a no-op because
// its target is gone. A null handle is not cancelled.
func (c CallbackBase) IsCancelled() bool {
	return c.state != nil && c.state.IsCancelled()
}

// MaybeValid returns whether the handle is bound and was not cancelled when
// last checked. The answer may be stale by the time it is used.
func (c CallbackBase) MaybeValid() bool {
	return c.state != nil && !c.state.IsCancelled()
}

// Equal returns whether two handles share a bind state. Null handles are
// equal only to each other.
func (c CallbackBase) Equal(other CallbackBase) bool {
	return c.state == other.state
}

// String implements fmt.Stringer.
func (c CallbackBase) String() string {
	if c.state == nil {
		return "callback(null)"
	}
	return fmt.Sprintf("callback(%s %p)", c.state.refs.RefType(), c.state)
}

// copyState returns the state with a new reference for a second handle.
func (c CallbackBase) copyState() *BindStateBase {
	if c.state != nil {
		c.state.AddRef()
	}
	return c.state
}

// take nils the handle and returns its state, panicking on a null handle.
func (c *CallbackBase) take(kind string) *BindStateBase {
	s := c.state
	if s == nil {
		panic(fmt.Sprintf("callback: running a null %s", kind))
	}
	c.state = nil
	s.consume()
	return s
}

// releaseBound lets a handle bound as an argument be released with the bind
// state that holds it.
func (c *CallbackBase) releaseBound() {
	c.Reset()
}

// OnceClosure is a single-use handle to a function taking no unbound
// arguments.
type OnceClosure struct {
	MoveOnlyType
	CallbackBase
}

// Run runs the closure and leaves the handle null. The bind state is released
// after the target returns.
func (c *OnceClosure) Run() {
	s := c.take("OnceClosure")
	defer s.Release()
	invoker[func(*BindStateBase)](s)(s)
}

// RepeatingClosure is a reusable handle to a function taking no unbound
// arguments.
type RepeatingClosure struct {
	CallbackBase
}

// Run runs the closure. The handle stays bound.
func (c RepeatingClosure) Run() {
	if c.state == nil {
		panic("callback: running a null RepeatingClosure")
	}
	invoker[func(*BindStateBase)](c.state)(c.state)
}

// Copy returns a second handle to the same bind state.
func (c RepeatingClosure) Copy() RepeatingClosure {
	return RepeatingClosure{CallbackBase{c.copyState()}}
}

// Once returns a single-use handle sharing c's bind state. c stays bound.
func (c RepeatingClosure) Once() OnceClosure {
	return OnceClosure{CallbackBase: CallbackBase{c.copyState()}}
}

// OnceCallback is a single-use handle to a function taking one unbound
// argument of type A.
type OnceCallback[A any] struct {
	MoveOnlyType
	CallbackBase
}

// Run runs the callback with a and leaves the handle null.
func (c *OnceCallback[A]) Run(a A) {
	s := c.take("OnceCallback")
	defer s.Release()
	invoker[func(*BindStateBase, A)](s)(s, a)
}

// RepeatingCallback is a reusable handle to a function taking one unbound
// argument of type A.
type RepeatingCallback[A any] struct {
	CallbackBase
}

// Run runs the callback with a. The handle stays bound.
func (c RepeatingCallback[A]) Run(a A) {
	if c.state == nil {
		panic("callback: running a null RepeatingCallback")
	}
	invoker[func(*BindStateBase, A)](c.state)(c.state, a)
}

// Copy returns a second handle to the same bind state.
func (c RepeatingCallback[A]) Copy() RepeatingCallback[A] {
	return RepeatingCallback[A]{CallbackBase{c.copyState()}}
}

// Once returns a single-use handle sharing c's bind state. c stays bound.
func (c RepeatingCallback[A]) Once() OnceCallback[A] {
	return OnceCallback[A]{CallbackBase: CallbackBase{c.copyState()}}
}

// OnceFunc is a single-use handle to a function taking no unbound arguments
// and returning R.
type OnceFunc[R any] struct {
	MoveOnlyType
	CallbackBase
}

// Run runs the function, leaves the handle null and returns the result.
func (c *OnceFunc[R]) Run() R {
	s := c.take("OnceFunc")
	defer s.Release()
	return invoker[func(*BindStateBase) R](s)(s)
}

// RepeatingFunc is a reusable handle to a function taking no unbound
// arguments and returning R.
type RepeatingFunc[R any] struct {
	CallbackBase
}

// Run runs the function and returns the result. The handle stays bound.
func (c RepeatingFunc[R]) Run() R {
	if c.state == nil {
		panic("callback: running a null RepeatingFunc")
	}
	return invoker[func(*BindStateBase) R](c.state)(c.state)
}

// Copy returns a second handle to the same bind state.
func (c RepeatingFunc[R]) Copy() RepeatingFunc[R] {
	return RepeatingFunc[R]{CallbackBase{c.copyState()}}
}

// Once returns a single-use handle sharing c's bind state. c stays bound.
func (c RepeatingFunc[R]) Once() OnceFunc[R] {
	return OnceFunc[R]{CallbackBase: CallbackBase{c.copyState()}}
}
