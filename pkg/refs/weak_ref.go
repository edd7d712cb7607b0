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

package refs

import (
	"sync"
	"sync/atomic"
)

// A WeakRefUser is notified when the last non-weak reference is dropped.
type WeakRefUser interface {
	// WeakRefGone is called when the last non-weak reference is dropped.
	WeakRefGone()
}

// weakTarget boxes the referent so that zapping is a single atomic store.
type weakTarget struct {
	rc RefCounter
}

// WeakRef is a weak reference.
type WeakRef struct {
	weakRefEntry

	// obj points to the referent until the referent is destroyed.
	obj atomic.Pointer[weakTarget]

	// user is notified when the weak ref is zapped by the object getting
	// destroyed.
	user WeakRefUser
}

// weakRefPool is a pool of weak references to avoid allocations on the hot path.
var weakRefPool = sync.Pool{
	New: func() any {
		return &WeakRef{}
	},
}

// NewWeakRef acquires a weak reference for the given object.
//
// An optional user will be notified when the last non-weak reference is
// dropped.
//
// Note that you must hold a reference to the object prior to getting a weak
// reference. (But you may drop the non-weak reference after that.)
func NewWeakRef(rc RefCounter, u WeakRefUser) *WeakRef {
	w := weakRefPool.Get().(*WeakRef)
	w.init(rc, u)
	return w
}

// get attempts to get a normal reference to the underlying object, and returns
// the object. If this weak reference has already been zapped (the object has
// been destroyed) then false is returned. If the object still exists, then
// true is returned.
func (w *WeakRef) get() (RefCounter, bool) {
	t := w.obj.Load()
	if t == nil {
		// This pointer has already been zapped by zap() below. We do
		// this to ensure that the GC can collect the underlying
		// RefCounter objects and they don't hog resources.
		return nil, false
	}
	if !t.rc.TryIncRef() {
		return nil, true
	}
	return t.rc, true
}

// Get attempts to get a normal reference to the underlying object, and returns
// the object. If this fails (the object no longer exists), then nil will be
// returned instead.
func (w *WeakRef) Get() RefCounter {
	rc, _ := w.get()
	return rc
}

// Alive reports whether the referent has not been destroyed yet. It does not
// acquire a reference, so a true result may be stale by the time it is used.
func (w *WeakRef) Alive() bool {
	t := w.obj.Load()
	if t == nil {
		return false
	}
	if rr, ok := t.rc.(interface{ ReadRefs() int64 }); ok {
		return rr.ReadRefs() > 0
	}
	return true
}

// Drop drops this weak reference. You should always call drop when you are
// finished with the weak reference. You may not use this object after calling
// drop.
func (w *WeakRef) Drop() {
	rc, ok := w.get()
	if !ok {
		// We've been zapped already. When the refcounter has called
		// zap, we're guaranteed it's not holding references.
		weakRefPool.Put(w)
		return
	}
	if rc == nil {
		// The object is in the process of being destroyed. We can't
		// remove this from the object's list, nor can we return this
		// object to the pool. It'll just be garbage collected. This is
		// a rare edge case, so it's not a big deal.
		return
	}

	// At this point, we have a reference on the object. So destruction
	// of the object (and zapping this weak reference) can't race here.
	rc.dropWeakRef(w)

	// And now aren't on the object's list of weak references. So it won't
	// zap us if this causes the reference count to drop to zero.
	rc.DecRef()

	weakRefPool.Put(w)
}

// init initializes this weak reference.
func (w *WeakRef) init(rc RefCounter, u WeakRefUser) {
	w.weakRefEntry = weakRefEntry{}
	w.user = u
	w.obj.Store(&weakTarget{rc: rc})
	rc.addWeakRef(w)
}

// zap zaps this weak reference.
func (w *WeakRef) zap() {
	w.obj.Store(nil)
}

// weakRefEntry links a WeakRef into its referent's weakRefList.
type weakRefEntry struct {
	next *WeakRef
	prev *WeakRef
}

// weakRefList is an intrusive doubly linked list of weak references. The
// zero value is an empty list.
type weakRefList struct {
	head *WeakRef
	tail *WeakRef
}

// Empty returns true iff the list is empty.
func (l *weakRefList) Empty() bool {
	return l.head == nil
}

// Front returns the first element of the list or nil.
func (l *weakRefList) Front() *WeakRef {
	return l.head
}

// PushBack inserts w at the back of the list.
func (l *weakRefList) PushBack(w *WeakRef) {
	w.next = nil
	w.prev = l.tail
	if l.tail != nil {
		l.tail.next = w
	} else {
		l.head = w
	}
	l.tail = w
}

// Remove removes w from the list.
func (l *weakRefList) Remove(w *WeakRef) {
	if w.prev != nil {
		w.prev.next = w.next
	} else if l.head == w {
		l.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else if l.tail == w {
		l.tail = w.prev
	}
	w.next = nil
	w.prev = nil
}
