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
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"gobase.dev/gobase/pkg/log"
)

type testObject struct {
	AtomicRefCount
	destroyed atomic.Int32
}

func newTestObject() *testObject {
	o := &testObject{}
	o.InitRefsFor(o)
	return o
}

// DecRef implements RefCounter.DecRef.
func (o *testObject) DecRef() {
	o.AtomicRefCount.DecRef(func() { o.destroyed.Add(1) })
}

func mustPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	f()
}

func TestAdoptThenReset(t *testing.T) {
	o := newTestObject()
	if got := o.ReadRefs(); got != 1 {
		t.Fatalf("ReadRefs() after InitRefs = %d, want 1", got)
	}
	r := Adopt(o)
	if got := o.ReadRefs(); got != 1 {
		t.Errorf("Adopt changed the count to %d", got)
	}
	r.Reset()
	if got := o.destroyed.Load(); got != 1 {
		t.Errorf("destructor ran %d times, want 1", got)
	}
	if !r.IsNil() {
		t.Errorf("Reset left the handle non-nil")
	}
	r.Reset()
}

func TestCopiesThenReleases(t *testing.T) {
	for _, n := range []int{0, 1, 5, 32} {
		t.Run(fmt.Sprintf("copies=%d", n), func(t *testing.T) {
			o := newTestObject()
			refs := []Ref[*testObject]{Adopt(o)}
			for i := 0; i < n; i++ {
				refs = append(refs, refs[0].Copy())
			}
			if got, want := o.ReadRefs(), int64(n+1); got != want {
				t.Fatalf("ReadRefs() = %d, want %d", got, want)
			}
			for i := range refs {
				if got := o.destroyed.Load(); got != 0 {
					t.Fatalf("destroyed after %d of %d releases", i, len(refs))
				}
				refs[i].Reset()
			}
			if got := o.destroyed.Load(); got != 1 {
				t.Errorf("destructor ran %d times, want 1", got)
			}
		})
	}
}

func TestConcurrentIncDec(t *testing.T) {
	o := newTestObject()
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			for j := 0; j < 1000; j++ {
				o.IncRef()
				if o.destroyed.Load() != 0 {
					return fmt.Errorf("destroyed while a reference was held")
				}
				o.DecRef()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if !o.HasOneRef() {
		t.Errorf("ReadRefs() = %d after balanced operations, want 1", o.ReadRefs())
	}
	o.DecRef()
	if got := o.destroyed.Load(); got != 1 {
		t.Errorf("destructor ran %d times, want 1", got)
	}
}

func TestLastReleaseRacesToDestroyOnce(t *testing.T) {
	for iter := 0; iter < 50; iter++ {
		o := newTestObject()
		const holders = 8
		for i := 1; i < holders; i++ {
			o.IncRef()
		}
		var g errgroup.Group
		for i := 0; i < holders; i++ {
			g.Go(func() error {
				o.DecRef()
				return nil
			})
		}
		g.Wait()
		if got := o.destroyed.Load(); got != 1 {
			t.Fatalf("iteration %d: destructor ran %d times, want 1", iter, got)
		}
	}
}

func TestTryIncRef(t *testing.T) {
	o := newTestObject()
	if !o.TryIncRef() {
		t.Fatalf("TryIncRef on live object failed")
	}
	o.DecRef()
	o.DecRef()
	if o.TryIncRef() {
		t.Errorf("TryIncRef on destroyed object succeeded")
	}
	if got := o.ReadRefs(); got != 0 {
		t.Errorf("ReadRefs() after failed TryIncRef = %d, want 0", got)
	}
}

func TestMisusePanics(t *testing.T) {
	o := newTestObject()
	o.DecRef()
	mustPanic(t, "DecRef after destruction", o.DecRef)

	o = newTestObject()
	o.DecRef()
	mustPanic(t, "IncRef after destruction", o.IncRef)
}

type goneRecorder struct {
	gone int
}

func (g *goneRecorder) WeakRefGone() {
	g.gone++
}

func TestWeakRef(t *testing.T) {
	o := newTestObject()
	user := &goneRecorder{}
	w := NewWeakRef(o, user)
	if !w.Alive() {
		t.Errorf("Alive() = false on live object")
	}

	rc := w.Get()
	if rc != RefCounter(o) {
		t.Fatalf("Get() = %v, want %p", rc, o)
	}
	if got := o.ReadRefs(); got != 2 {
		t.Errorf("ReadRefs() after Get = %d, want 2", got)
	}
	rc.DecRef()

	o.DecRef()
	if got := o.destroyed.Load(); got != 1 {
		t.Fatalf("weak reference kept the object alive")
	}
	if user.gone != 1 {
		t.Errorf("WeakRefGone called %d times, want 1", user.gone)
	}
	if w.Alive() {
		t.Errorf("Alive() = true after destruction")
	}
	if rc := w.Get(); rc != nil {
		t.Errorf("Get() after destruction = %v, want nil", rc)
	}
	w.Drop()
}

func TestWeakRefDropBeforeDestruction(t *testing.T) {
	o := newTestObject()
	user := &goneRecorder{}
	w1 := NewWeakRef(o, user)
	w2 := NewWeakRef(o, nil)
	w1.Drop()
	if got := o.ReadRefs(); got != 1 {
		t.Errorf("Drop changed the count to %d", got)
	}
	o.DecRef()
	if user.gone != 0 {
		t.Errorf("dropped weak reference was notified")
	}
	if w2.Alive() {
		t.Errorf("remaining weak reference is still alive")
	}
	w2.Drop()
}

func TestRefHandle(t *testing.T) {
	a, b := newTestObject(), newTestObject()
	ra, rb := Adopt(a), Adopt(b)

	var nilRef Ref[*testObject]
	if !nilRef.Equal(Ref[*testObject]{}) {
		t.Errorf("nil handles are not equal")
	}
	if ra.Equal(nilRef) || ra.Equal(rb) {
		t.Errorf("distinct handles compare equal")
	}
	mustPanic(t, "Deref of nil handle", func() { nilRef.Deref() })

	c := ra.Copy()
	if !c.Equal(ra) || a.ReadRefs() != 2 {
		t.Errorf("Copy: equal=%v refs=%d, want true 2", c.Equal(ra), a.ReadRefs())
	}

	m := c.Move()
	if !c.IsNil() || m.Deref() != a || a.ReadRefs() != 2 {
		t.Errorf("Move: source nil=%v refs=%d", c.IsNil(), a.ReadRefs())
	}

	m.Swap(&rb)
	if m.Get() != b || rb.Get() != a {
		t.Errorf("Swap did not exchange referents")
	}

	// Self assignment must not destroy the referent.
	rb.Assign(&rb)
	if a.destroyed.Load() != 0 || a.ReadRefs() != 2 {
		t.Errorf("self Assign: destroyed=%d refs=%d", a.destroyed.Load(), a.ReadRefs())
	}

	// m holds the only reference to b; assigning over it destroys b.
	m.Assign(&ra)
	if b.destroyed.Load() != 1 || a.ReadRefs() != 3 {
		t.Errorf("Assign: b destroyed=%d a refs=%d, want 1 3", b.destroyed.Load(), a.ReadRefs())
	}

	raw := m.Release()
	if !m.IsNil() || a.ReadRefs() != 3 {
		t.Errorf("Release dropped a reference")
	}
	raw.DecRef()
	ra.Reset()
	rb.Reset()
	if a.destroyed.Load() != 1 {
		t.Errorf("a destroyed %d times, want 1", a.destroyed.Load())
	}
}

func TestNewRefAddsReference(t *testing.T) {
	o := newTestObject()
	r := NewRef(o)
	if got := o.ReadRefs(); got != 2 {
		t.Errorf("ReadRefs() after NewRef = %d, want 2", got)
	}
	r.Reset()
	o.DecRef()
}

func TestRefCountedData(t *testing.T) {
	d := NewRefCountedData([]string{"a", "b"})
	r := Adopt(d)
	c := r.Copy()
	r.Reset()
	if diff := cmp.Diff([]string{"a", "b"}, c.Deref().Data); diff != "" {
		t.Errorf("Data mismatch (-want +got):\n%s", diff)
	}
	c.Reset()
	if d.Data != nil {
		t.Errorf("Data = %v after destruction, want nil", d.Data)
	}
}

type capture struct {
	*testing.T
	lines []string
}

func (c *capture) Logf(format string, v ...any) {
	c.lines = append(c.lines, fmt.Sprintf(format, v...))
}

func TestLeakCheckReports(t *testing.T) {
	SetLeakMode(LeaksLogTraces)
	defer SetLeakMode(LeaksPanic)
	c := &capture{T: t}
	log.ForTest(c, log.Warning)

	o := newTestObject()
	DoRepeatedLeakCheck()
	report := strings.Join(c.lines, "\n")
	for _, want := range []string{"1 leaked objects", "*refs.testObject", "created at:", "newTestObject"} {
		if !strings.Contains(report, want) {
			t.Errorf("leak report missing %q:\n%s", want, report)
		}
	}

	o.DecRef()
	c.lines = nil
	DoRepeatedLeakCheck()
	if len(c.lines) != 0 {
		t.Errorf("leak report after release: %q", c.lines)
	}
}

func TestLeakCheckPanics(t *testing.T) {
	o := newTestObject()
	mustPanic(t, "DoRepeatedLeakCheck with a live object", DoRepeatedLeakCheck)
	o.DecRef()
	DoRepeatedLeakCheck()
}

func TestLeakModeFlag(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want LeakMode
	}{
		{"disabled", NoLeakChecking},
		{"log-names", LeaksLogWarning},
		{"log-traces", LeaksLogTraces},
		{"panic", LeaksPanic},
	} {
		var m LeakMode
		if err := m.Set(tc.in); err != nil {
			t.Errorf("Set(%q): %v", tc.in, err)
			continue
		}
		if m != tc.want || m.String() != tc.in {
			t.Errorf("Set(%q) = %v (%q), want %v", tc.in, m, m.String(), tc.want)
		}
	}
	var m LeakMode
	if err := m.Set("sometimes"); err == nil {
		t.Errorf("Set(%q) succeeded", "sometimes")
	}
}

func TestNoLeakCheckingSkipsRegistry(t *testing.T) {
	SetLeakMode(NoLeakChecking)
	o := newTestObject()
	SetLeakMode(LeaksPanic)
	if got := LiveObjects(); got != 0 {
		t.Errorf("LiveObjects() = %d, want 0", got)
	}
	o.DecRef()
}

// logRecorder keeps every line logged while it is the log target.
type logRecorder struct {
	*testing.T

	mu    gosync.Mutex
	lines []string
}

func (r *logRecorder) Logf(format string, v ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}

func (r *logRecorder) count(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

func TestEnableLogging(t *testing.T) {
	rec := &logRecorder{T: t}
	log.ForTest(rec, log.Info)

	quiet := newTestObject()
	quiet.IncRef()
	quiet.DecRef()
	quiet.DecRef()
	if n := rec.count("IncRef to"); n != 0 {
		t.Errorf("object without logging logged %d IncRef events", n)
	}

	o := &testObject{}
	o.EnableLogging()
	o.InitRefsFor(o)
	o.IncRef()
	if !o.TryIncRef() {
		t.Fatalf("TryIncRef failed on a live object")
	}
	o.DecRef()
	o.DecRef()
	o.DecRef()
	for _, tc := range []struct {
		event string
		want  int
	}{
		{"IncRef to 2", 1},
		{"TryIncRef to 3", 1},
		{"DecRef to", 3},
		{"unregistered", 1},
	} {
		if got := rec.count(tc.event); got != tc.want {
			t.Errorf("logged %q %d times, want %d", tc.event, got, tc.want)
		}
	}
}
