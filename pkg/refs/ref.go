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
	"fmt"
)

// Counted is the minimal interface a Ref can own. Both counters in this
// package satisfy it once the embedding type defines DecRef().
type Counted interface {
	IncRef()
	DecRef()
}

// Ref is an owning handle to a reference counted object. Each non-nil Ref
// accounts for exactly one reference on its referent.
//
// Go has no destructors: a Ref that goes out of scope must be Reset (or
// Moved into another owner) or the reference leaks. The zero value is nil.
//
// Ref is not safe for concurrent use; copying the struct value does not add
// a reference, use Copy.
type Ref[T Counted] struct {
	obj T
	ok  bool
}

// Adopt returns a Ref that takes over a reference the caller already holds,
// typically the initial reference created by InitRefs. The count does not
// change.
func Adopt[T Counted](obj T) Ref[T] {
	return Ref[T]{obj: obj, ok: true}
}

// NewRef returns a Ref holding a new reference on obj.
func NewRef[T Counted](obj T) Ref[T] {
	obj.IncRef()
	return Ref[T]{obj: obj, ok: true}
}

// IsNil returns whether r holds nothing.
func (r Ref[T]) IsNil() bool {
	return !r.ok
}

// Get returns the referent, or the zero T if r is nil. No reference is
// transferred.
func (r Ref[T]) Get() T {
	return r.obj
}

// Deref returns the referent and panics if r is nil.
func (r Ref[T]) Deref() T {
	if !r.ok {
		panic(fmt.Sprintf("dereferencing nil %T", r))
	}
	return r.obj
}

// Copy returns a second Ref to the same referent, adding a reference.
func (r Ref[T]) Copy() Ref[T] {
	if !r.ok {
		return Ref[T]{}
	}
	r.obj.IncRef()
	return Ref[T]{obj: r.obj, ok: true}
}

// Move transfers r's reference to the returned Ref and leaves r nil.
func (r *Ref[T]) Move() Ref[T] {
	m := *r
	*r = Ref[T]{}
	return m
}

// Reset drops r's reference, if any, and leaves r nil. The referent is
// destroyed if this was its last reference.
func (r *Ref[T]) Reset() {
	if !r.ok {
		return
	}
	obj := r.obj
	*r = Ref[T]{}
	obj.DecRef()
}

// Assign makes r refer to other's referent, adding a reference for r and
// dropping r's previous one. Self assignment is safe.
func (r *Ref[T]) Assign(other *Ref[T]) {
	// Take the new reference first, so that a self assignment or an
	// assignment of an object only r keeps alive cannot destroy it.
	n := other.Copy()
	r.Reset()
	*r = n
}

// Swap exchanges the referents of r and other. Counts do not change.
func (r *Ref[T]) Swap(other *Ref[T]) {
	*r, *other = *other, *r
}

// Release returns the referent and leaves r nil without dropping the
// reference, which now belongs to the caller.
func (r *Ref[T]) Release() T {
	obj := r.obj
	*r = Ref[T]{}
	return obj
}

// Equal returns whether r and other refer to the same object. Two nil Refs
// are equal.
func (r Ref[T]) Equal(other Ref[T]) bool {
	if !r.ok || !other.ok {
		return r.ok == other.ok
	}
	return any(r.obj) == any(other.obj)
}

// RefCountedData is a thread-safe reference counted box for a value that is
// not itself reference counted.
type RefCountedData[T any] struct {
	AtomicRefCount

	// Data is the boxed value.
	Data T
}

// NewRefCountedData returns a box holding data with one reference.
func NewRefCountedData[T any](data T) *RefCountedData[T] {
	d := &RefCountedData[T]{Data: data}
	d.InitRefsFor(d)
	return d
}

// DecRef implements RefCounter.DecRef. The value is cleared when the last
// reference goes away.
func (d *RefCountedData[T]) DecRef() {
	d.AtomicRefCount.DecRef(func() {
		var zero T
		d.Data = zero
	})
}
