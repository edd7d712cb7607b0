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

// Package refs defines an interface for reference counted objects and the
// counters that implement it.
//
// Every counter starts life holding exactly one reference, owned by whoever
// called InitRefs. That reference is handed to a Ref with Adopt, or released
// with DecRef.
package refs

import (
	"fmt"
	"sync"

	"gobase.dev/gobase/pkg/atomicbitops"
)

// RefCounter is the interface to be implemented by objects that are reference
// counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// DecRef decrements the reference counter on the object.
	//
	// Note that AtomicRefCount.DecRef() takes the destructor as an
	// argument. A type with a destructor embeds AtomicRefCount and defines
	// its own DecRef() that passes it.
	DecRef()

	// TryIncRef attempts to increase the reference counter on the object,
	// but may fail if all references have already been dropped. This
	// should be used only in special circumstances, such as WeakRefs.
	TryIncRef() bool

	// addWeakRef adds the given weak reference. Note that you should have a
	// reference to the object when calling this method.
	addWeakRef(*WeakRef)

	// dropWeakRef drops the given weak reference. Note that you should have
	// a reference to the object when calling this method.
	dropWeakRef(*WeakRef)
}

// AtomicRefCount keeps a reference count using atomic operations and calls the
// destructor when the count reaches zero. It may be shared freely between
// goroutines.
//
// The count starts at zero; InitRefs must be called before the object is
// published.
type AtomicRefCount struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a
	// CompareAndSwap loop. See IncRef, DecRef and TryIncRef for details of
	// how these fields are used.
	refCount atomicbitops.Int64

	// refType names the owner in leak reports. Immutable after InitRefs.
	refType string

	// logRefs enables per-operation event logging.
	logRefs bool

	// mu protects the list below.
	mu sync.Mutex

	// weakRefs is our collection of weak references.
	weakRefs weakRefList
}

// InitRefs initializes r with one reference and, if enabled, activates leak
// checking.
func (r *AtomicRefCount) InitRefs() {
	r.InitRefsFor(nil)
}

// InitRefsFor is InitRefs, naming the object in leak reports after the type
// of owner.
func (r *AtomicRefCount) InitRefsFor(owner any) {
	if owner != nil {
		r.refType = fmt.Sprintf("%T", owner)
	}
	r.refCount.Store(1)
	Register(r)
}

// EnableLogging makes r log every reference operation when leak checking is
// enabled. It must be called before InitRefs.
func (r *AtomicRefCount) EnableLogging() {
	r.logRefs = true
}

// RefType implements CheckedObject.RefType.
func (r *AtomicRefCount) RefType() string {
	if r.refType == "" {
		return "refs.AtomicRefCount"
	}
	return r.refType
}

// LeakMessage implements CheckedObject.LeakMessage.
func (r *AtomicRefCount) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", r.RefType(), r, r.ReadRefs())
}

// LogRefs implements CheckedObject.LogRefs.
func (r *AtomicRefCount) LogRefs() bool {
	return r.logRefs
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *AtomicRefCount) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// HasOneRef returns whether the caller holds the only reference. A true
// result is stable: no other goroutine can add a reference.
func (r *AtomicRefCount) HasOneRef() bool {
	return r.ReadRefs() == 1
}

// IncRef increments this object's reference count. While the count is kept
// greater than zero, the destructor doesn't get called.
//
// The sanity check here is limited to real references, since if they have
// dropped beneath zero then the object should have been destroyed.
func (r *AtomicRefCount) IncRef() {
	v := r.refCount.Add(1)
	if r.logRefs {
		LogIncRef(r, int64(int32(v)))
	}
	if int32(v) <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.RefType()))
	}
}

// TryIncRef attempts to increment the reference count, *unless the count has
// already reached zero*. If false is returned, then the object has already
// been destroyed, and the weak reference is no longer valid. If true if
// returned then a valid reference is now held on the object.
//
// To do this safely without a loop, a speculative reference is first acquired
// on the object. This allows multiple concurrent TryIncRef calls to
// distinguish other TryIncRef calls from genuine references held.
func (r *AtomicRefCount) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) <= 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	v := r.refCount.Add(-speculativeRef + 1)
	if r.logRefs {
		LogTryIncRef(r, int64(int32(v)))
	}
	return true
}

// addWeakRef adds the given weak reference.
func (r *AtomicRefCount) addWeakRef(w *WeakRef) {
	r.mu.Lock()
	r.weakRefs.PushBack(w)
	r.mu.Unlock()
}

// dropWeakRef drops the given weak reference.
func (r *AtomicRefCount) dropWeakRef(w *WeakRef) {
	r.mu.Lock()
	r.weakRefs.Remove(w)
	r.mu.Unlock()
}

// DecRef decrements the object's reference count. When the last reference
// is dropped, every weak reference is zapped, the object leaves the leak
// checker and destroy, if not nil, is called on the releasing goroutine.
//
// Note that speculative references are counted here. Since they were added
// prior to real references reaching zero, they will successfully convert to
// real references. In other words, we see speculative references only in the
// following case:
//
//	A: TryIncRef [speculative increase => sees non-negative references]
//	B: DecRef [real decrease]
//	A: TryIncRef [transform speculative to real]
func (r *AtomicRefCount) DecRef(destroy func()) {
	v := int32(r.refCount.Add(-1))
	if r.logRefs {
		LogDecRef(r, int64(v))
	}
	switch {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.RefType()))

	case v == 0:
		// Zap weak references. Note that at this point, all weak
		// references are already invalid. That is, TryIncRef() will
		// return false due to the reference count check.
		r.mu.Lock()
		for !r.weakRefs.Empty() {
			w := r.weakRefs.Front()
			// Capture the callback because w cannot be touched
			// after it's zapped -- the owner is free it reuse it
			// after that.
			user := w.user
			r.weakRefs.Remove(w)
			w.zap()

			if user != nil {
				r.mu.Unlock()
				user.WeakRefGone()
				r.mu.Lock()
			}
		}
		r.mu.Unlock()

		Unregister(r)
		if destroy != nil {
			destroy()
		}
	}
}
