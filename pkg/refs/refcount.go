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

	"gobase.dev/gobase/pkg/sequence"
	"gobase.dev/gobase/pkg/sync"
)

// RefCount is a reference count for objects that live on one sequence at a
// time. It uses no atomic operations.
//
// While the count is exactly one, the sole owner may hand the object to
// another sequence. The IncRef that takes the count from one to two pins the
// object to the calling sequence, and every IncRef and DecRef made while the
// count stays above one must come from that sequence. Once the count falls
// back to one the pin is released. Violations panic when sync.ChecksEnabled
// reports true at the time the pin is taken and are not detected otherwise.
type RefCount struct {
	count int64

	// pinned is the sequence the object is bound to, or the invalid token.
	pinned sequence.Token

	refType string

	// destroyed is set just before the destructor runs.
	destroyed bool
}

// InitRefs initializes r with one reference and, if enabled, activates leak
// checking.
func (r *RefCount) InitRefs() {
	r.InitRefsFor(nil)
}

// InitRefsFor is InitRefs, naming the object in leak reports after the type
// of owner.
func (r *RefCount) InitRefsFor(owner any) {
	if owner != nil {
		r.refType = fmt.Sprintf("%T", owner)
	}
	r.count = 1
	Register(r)
}

// RefType implements CheckedObject.RefType.
func (r *RefCount) RefType() string {
	if r.refType == "" {
		return "refs.RefCount"
	}
	return r.refType
}

// LeakMessage implements CheckedObject.LeakMessage.
func (r *RefCount) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", r.RefType(), r, r.count)
}

// LogRefs implements CheckedObject.LogRefs.
func (r *RefCount) LogRefs() bool {
	return false
}

// ReadRefs returns the current number of references.
func (r *RefCount) ReadRefs() int64 {
	return r.count
}

// HasOneRef returns whether the caller holds the only reference.
func (r *RefCount) HasOneRef() bool {
	return r.count == 1
}

// checkSequence panics if r is pinned to a sequence other than the caller's.
func (r *RefCount) checkSequence(op string) {
	if !r.pinned.Valid() {
		return
	}
	if cur := sequence.Current(); cur != r.pinned {
		panic(fmt.Sprintf("%s on %s %p from %v, but it is pinned to %v", op, r.RefType(), r, cur, r.pinned))
	}
}

// IncRef adds a reference.
func (r *RefCount) IncRef() {
	if r.destroyed {
		panic(fmt.Sprintf("IncRef on destroyed %s %p", r.RefType(), r))
	}
	if r.count <= 0 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.RefType()))
	}
	r.checkSequence("IncRef")
	if r.count == 1 && sync.ChecksEnabled() {
		r.pinned = sequence.Current()
	}
	r.count++
}

// DecRef drops a reference, calling destroy (if not nil) when it was the
// last one.
func (r *RefCount) DecRef(destroy func()) {
	if r.count <= 0 {
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.RefType()))
	}
	r.checkSequence("DecRef")
	r.count--
	switch r.count {
	case 1:
		r.pinned = sequence.Token{}
	case 0:
		r.destroyed = true
		Unregister(r)
		if destroy != nil {
			destroy()
		}
	}
}

// DetachFromSequence releases the sequence pin while the object is shared.
// The caller asserts that it synchronizes all further reference operations
// externally.
func (r *RefCount) DetachFromSequence() {
	r.pinned = sequence.Token{}
}
