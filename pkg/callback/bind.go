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
	"unsafe"

	"gobase.dev/gobase/pkg/refs"
)

func nilFunction() {
	panic("callback: binding a nil function")
}

// BindOnce returns a single-use closure running fn.
func BindOnce(fn func()) OnceClosure {
	if fn == nil {
		nilFunction()
	}
	return OnceClosure{CallbackBase: CallbackBase{newState0(fn, invokeClosure0, true)}}
}

// BindOnce1 returns a single-use closure running fn(p1).
func BindOnce1[P1 any](fn func(P1), p1 P1) OnceClosure {
	if fn == nil {
		nilFunction()
	}
	return OnceClosure{CallbackBase: CallbackBase{newState1(fn, p1, invokeClosure1[P1], true)}}
}

// BindOnce2 returns a single-use closure running fn(p1, p2).
func BindOnce2[P1, P2 any](fn func(P1, P2), p1 P1, p2 P2) OnceClosure {
	if fn == nil {
		nilFunction()
	}
	return OnceClosure{CallbackBase: CallbackBase{newState2(fn, p1, p2, invokeClosure2[P1, P2], true)}}
}

// BindOnce3 returns a single-use closure running fn(p1, p2, p3).
func BindOnce3[P1, P2, P3 any](fn func(P1, P2, P3), p1 P1, p2 P2, p3 P3) OnceClosure {
	if fn == nil {
		nilFunction()
	}
	return OnceClosure{CallbackBase: CallbackBase{newState3(fn, p1, p2, p3, invokeClosure3[P1, P2, P3], true)}}
}

// BindRepeating returns a reusable closure running fn.
func BindRepeating(fn func()) RepeatingClosure {
	if fn == nil {
		nilFunction()
	}
	return RepeatingClosure{CallbackBase{newState0(fn, invokeClosure0, false)}}
}

// BindRepeating1 returns a reusable closure running fn(p1). Every run sees
// the value bound here.
func BindRepeating1[P1 any](fn func(P1), p1 P1) RepeatingClosure {
	if fn == nil {
		nilFunction()
	}
	return RepeatingClosure{CallbackBase{newState1(fn, p1, invokeClosure1[P1], false)}}
}

// BindRepeating2 returns a reusable closure running fn(p1, p2).
func BindRepeating2[P1, P2 any](fn func(P1, P2), p1 P1, p2 P2) RepeatingClosure {
	if fn == nil {
		nilFunction()
	}
	return RepeatingClosure{CallbackBase{newState2(fn, p1, p2, invokeClosure2[P1, P2], false)}}
}

// BindRepeating3 returns a reusable closure running fn(p1, p2, p3).
func BindRepeating3[P1, P2, P3 any](fn func(P1, P2, P3), p1 P1, p2 P2, p3 P3) RepeatingClosure {
	if fn == nil {
		nilFunction()
	}
	return RepeatingClosure{CallbackBase{newState3(fn, p1, p2, p3, invokeClosure3[P1, P2, P3], false)}}
}

// NewOnceCallback returns a single-use handle running fn with the argument
// supplied to Run.
func NewOnceCallback[A any](fn func(A)) OnceCallback[A] {
	if fn == nil {
		nilFunction()
	}
	return OnceCallback[A]{CallbackBase: CallbackBase{newState0(fn, invokeArg0[A], true)}}
}

// NewRepeatingCallback returns a reusable handle running fn with the
// argument supplied to Run.
func NewRepeatingCallback[A any](fn func(A)) RepeatingCallback[A] {
	if fn == nil {
		nilFunction()
	}
	return RepeatingCallback[A]{CallbackBase{newState0(fn, invokeArg0[A], false)}}
}

// BindOnceArg binds the first argument of fn and leaves the second to Run.
func BindOnceArg[P1, A any](fn func(P1, A), p1 P1) OnceCallback[A] {
	if fn == nil {
		nilFunction()
	}
	return OnceCallback[A]{CallbackBase: CallbackBase{newState1(fn, p1, invokeArg1[P1, A], true)}}
}

// BindRepeatingArg binds the first argument of fn and leaves the second to
// Run.
func BindRepeatingArg[P1, A any](fn func(P1, A), p1 P1) RepeatingCallback[A] {
	if fn == nil {
		nilFunction()
	}
	return RepeatingCallback[A]{CallbackBase{newState1(fn, p1, invokeArg1[P1, A], false)}}
}

// NewOnceFunc returns a single-use handle to fn.
func NewOnceFunc[R any](fn func() R) OnceFunc[R] {
	if fn == nil {
		nilFunction()
	}
	return OnceFunc[R]{CallbackBase: CallbackBase{newState0(fn, invokeResult0[R], true)}}
}

// NewRepeatingFunc returns a reusable handle to fn.
func NewRepeatingFunc[R any](fn func() R) RepeatingFunc[R] {
	if fn == nil {
		nilFunction()
	}
	return RepeatingFunc[R]{CallbackBase{newState0(fn, invokeResult0[R], false)}}
}

// BindOnceResult returns a single-use handle running fn(p1) and returning
// its result.
func BindOnceResult[P1, R any](fn func(P1) R, p1 P1) OnceFunc[R] {
	if fn == nil {
		nilFunction()
	}
	return OnceFunc[R]{CallbackBase: CallbackBase{newState1(fn, p1, invokeResult1[P1, R], true)}}
}

// BindRepeatingResult returns a reusable handle running fn(p1) and returning
// its result.
func BindRepeatingResult[P1, R any](fn func(P1) R, p1 P1) RepeatingFunc[R] {
	if fn == nil {
		nilFunction()
	}
	return RepeatingFunc[R]{CallbackBase{newState1(fn, p1, invokeResult1[P1, R], false)}}
}

// BindOnceCallback binds the argument of a single-use callback, producing a
// closure. cb is consumed: running the closure runs cb, and destroying the
// closure unrun releases cb.
func BindOnceCallback[A any](cb OnceCallback[A], a A) OnceClosure {
	return BindOnce2(runOnceCallback[A], cb, a)
}

func runOnceCallback[A any](cb OnceCallback[A], a A) {
	cb.Run(a)
}

// doNothing is shared by every DoNothing closure.
func doNothing() {}

// DoNothing returns a closure that does nothing when run.
func DoNothing() RepeatingClosure {
	return BindRepeating(doNothing)
}

// bindStateWeak holds a function whose first argument is reached through a
// weak reference.
type bindStateWeak[F any, T refs.RefCounter] struct {
	BindStateBase
	functor F
	target  *refs.WeakRef
}

func asWeak[F any, T refs.RefCounter](b *BindStateBase) *bindStateWeak[F, T] {
	return (*bindStateWeak[F, T])(unsafe.Pointer(b))
}

func newStateWeak[F any, T refs.RefCounter](functor F, target T, invoke any, once bool) *BindStateBase {
	s := &bindStateWeak[F, T]{functor: functor, target: refs.NewWeakRef(target, nil)}
	s.init(s, invoke, destroyWeak[F, T], weakCancelled[F, T], once)
	return &s.BindStateBase
}

func destroyWeak[F any, T refs.RefCounter](b *BindStateBase) {
	s := asWeak[F, T](b)
	var zero F
	s.functor = zero
	s.target.Drop()
	s.target = nil
}

func weakCancelled[F any, T refs.RefCounter](b *BindStateBase) bool {
	return !asWeak[F, T](b).target.Alive()
}

// lockTarget returns a strong reference to the target, or false if it is
// gone.
func (s *bindStateWeak[F, T]) lockTarget() (T, bool) {
	rc := s.target.Get()
	if rc == nil {
		var zero T
		return zero, false
	}
	return rc.(T), true
}

func invokeWeakClosure[T refs.RefCounter](b *BindStateBase) {
	s := asWeak[func(T), T](b)
	t, ok := s.lockTarget()
	if !ok {
		return
	}
	defer t.DecRef()
	s.functor(t)
}

func invokeWeakArg[T refs.RefCounter, A any](b *BindStateBase, a A) {
	s := asWeak[func(T, A), T](b)
	t, ok := s.lockTarget()
	if !ok {
		return
	}
	defer t.DecRef()
	s.functor(t, a)
}

// BindWeakOnce returns a single-use closure running fn(target) if target
// is still alive when the closure runs. The closure does not keep target
// alive and reports itself cancelled once target is destroyed. The caller
// must hold a reference on target while binding.
func BindWeakOnce[T refs.RefCounter](fn func(T), target T) OnceClosure {
	if fn == nil {
		nilFunction()
	}
	return OnceClosure{CallbackBase: CallbackBase{newStateWeak(fn, target, invokeWeakClosure[T], true)}}
}

// BindWeakRepeating is the reusable form of BindWeakOnce.
func BindWeakRepeating[T refs.RefCounter](fn func(T), target T) RepeatingClosure {
	if fn == nil {
		nilFunction()
	}
	return RepeatingClosure{CallbackBase{newStateWeak(fn, target, invokeWeakClosure[T], false)}}
}

// BindWeakRepeatingArg is BindWeakRepeating for a target function taking one
// unbound argument.
func BindWeakRepeatingArg[T refs.RefCounter, A any](fn func(T, A), target T) RepeatingCallback[A] {
	if fn == nil {
		nilFunction()
	}
	return RepeatingCallback[A]{CallbackBase{newStateWeak(fn, target, invokeWeakArg[T, A], false)}}
}
