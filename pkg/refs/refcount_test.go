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
	"testing"

	"gobase.dev/gobase/pkg/sequence"
)

type seqObject struct {
	RefCount
	destroyed int
}

func newSeqObject() *seqObject {
	o := &seqObject{}
	o.InitRefsFor(o)
	return o
}

func (o *seqObject) DecRef() {
	o.RefCount.DecRef(func() { o.destroyed++ })
}

// onOtherGoroutine runs f on a fresh goroutine and reports whether it
// panicked.
func onOtherGoroutine(f func()) (panicked bool) {
	done := make(chan bool)
	go func() {
		defer func() { done <- recover() != nil }()
		f()
	}()
	return <-done
}

func TestRefCountSoleOwnerMovesFreely(t *testing.T) {
	o := newSeqObject()
	// With a single reference any sequence may take more references.
	if onOtherGoroutine(func() {
		o.IncRef()
		o.DecRef()
	}) {
		t.Fatalf("sole owner handoff panicked")
	}
	o.DecRef()
	if o.destroyed != 1 {
		t.Errorf("destructor ran %d times, want 1", o.destroyed)
	}
}

func TestRefCountPinsSharedObject(t *testing.T) {
	o := newSeqObject()
	o.IncRef()
	if !onOtherGoroutine(o.IncRef) {
		t.Errorf("IncRef from another sequence while shared did not panic")
	}
	if !onOtherGoroutine(o.DecRef) {
		t.Errorf("DecRef from another sequence while shared did not panic")
	}
	if got := o.ReadRefs(); got != 2 {
		t.Fatalf("rejected operations changed the count to %d", got)
	}

	// Back to one reference: the pin is released.
	o.DecRef()
	if onOtherGoroutine(func() {
		o.IncRef()
		o.DecRef()
	}) {
		t.Errorf("operations after unpinning panicked")
	}
	o.DecRef()
}

func TestRefCountDetachFromSequence(t *testing.T) {
	o := newSeqObject()
	o.IncRef()
	o.DetachFromSequence()
	if onOtherGoroutine(o.DecRef) {
		t.Errorf("DecRef after DetachFromSequence panicked")
	}
	o.DecRef()
	if o.destroyed != 1 {
		t.Errorf("destructor ran %d times, want 1", o.destroyed)
	}
}

func TestRefCountSharedSequenceAcrossGoroutines(t *testing.T) {
	tok := sequence.NewToken()
	o := newSeqObject()
	run := func(f func()) bool {
		return onOtherGoroutine(func() {
			defer sequence.Set(tok)()
			f()
		})
	}
	if run(o.IncRef) {
		t.Fatalf("IncRef inside the sequence panicked")
	}
	// A different goroutine running the same sequence is allowed.
	if run(o.DecRef) {
		t.Errorf("DecRef from the same sequence on another goroutine panicked")
	}
	o.DecRef()
}

func TestRefCountUseAfterDestroy(t *testing.T) {
	o := newSeqObject()
	o.DecRef()
	mustPanic(t, "IncRef after destruction", o.IncRef)
	mustPanic(t, "DecRef after destruction", o.DecRef)
	if o.destroyed != 1 {
		t.Errorf("destructor ran %d times, want 1", o.destroyed)
	}
}
