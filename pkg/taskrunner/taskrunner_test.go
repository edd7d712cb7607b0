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

package taskrunner

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gobase.dev/gobase/pkg/callback"
	"gobase.dev/gobase/pkg/refs"
	"gobase.dev/gobase/pkg/sequence"
)

func TestMain(m *testing.M) {
	refs.SetLeakMode(refs.LeaksPanic)
	code := m.Run()
	refs.DoLeakCheck()
	os.Exit(code)
}

// manualRunner queues tasks until drain is called.
type manualRunner struct {
	tok    sequence.Token
	tasks  []PendingTask
	closed bool
}

func newManualRunner(t *testing.T) *manualRunner {
	m := &manualRunner{tok: sequence.NewToken()}
	t.Cleanup(Register(m.tok, m))
	t.Cleanup(m.close)
	return m
}

func (m *manualRunner) PostTask(from Location, task callback.OnceClosure) bool {
	if m.closed {
		task.Reset()
		return false
	}
	m.tasks = append(m.tasks, PendingTask{From: from, Task: task})
	return true
}

func (m *manualRunner) PostDelayedTask(from Location, task callback.OnceClosure, _ time.Duration) bool {
	return m.PostTask(from, task)
}

func (m *manualRunner) RunsTasksInCurrentSequence() bool {
	return sequence.Current() == m.tok
}

// drain runs queued tasks on m's sequence and returns how many ran.
func (m *manualRunner) drain() int {
	defer sequence.Set(m.tok)()
	n := 0
	for len(m.tasks) > 0 {
		p := m.tasks[0]
		m.tasks = m.tasks[1:]
		if p.Run() {
			n++
		}
	}
	return n
}

func (m *manualRunner) close() {
	m.closed = true
	for i := range m.tasks {
		m.tasks[i].Drop()
	}
	m.tasks = nil
}

func TestFromHere(t *testing.T) {
	loc := FromHere()
	if !strings.HasSuffix(loc.Function, ".TestFromHere") || loc.File != "taskrunner_test.go" || loc.Line == 0 {
		t.Errorf("FromHere() = %+v", loc)
	}
}

func TestPostTaskAndReply(t *testing.T) {
	origin, worker := newManualRunner(t), newManualRunner(t)
	var events []string

	origin.PostTask(FromHere(), callback.BindOnce(func() {
		ok := PostTaskAndReply(worker, FromHere(),
			callback.BindOnce(func() {
				if !worker.RunsTasksInCurrentSequence() {
					t.Errorf("task ran off the worker sequence")
				}
				events = append(events, "task")
			}),
			callback.BindOnce(func() {
				if !origin.RunsTasksInCurrentSequence() {
					t.Errorf("reply ran off the origin sequence")
				}
				events = append(events, "reply")
			}))
		if !ok {
			t.Errorf("PostTaskAndReply failed")
		}
	}))

	origin.drain()
	worker.drain()
	origin.drain()
	if diff := cmp.Diff([]string{"task", "reply"}, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestPostTaskAndReplyWithResult(t *testing.T) {
	origin, worker := newManualRunner(t), newManualRunner(t)
	defer SetCurrent(origin)()

	var got string
	PostTaskAndReplyWithResult(worker, FromHere(),
		callback.BindOnceResult(strings.ToUpper, "done"),
		callback.NewOnceCallback(func(s string) { got = s }))
	worker.drain()
	if got != "" {
		t.Fatalf("reply ran before the origin drained")
	}
	origin.drain()
	if got != "DONE" {
		t.Errorf("reply got %q, want %q", got, "DONE")
	}
}

type counted struct {
	refs.AtomicRefCount
	gone bool
}

func newCounted() *counted {
	c := &counted{}
	c.InitRefsFor(c)
	return c
}

func (c *counted) DecRef() {
	c.AtomicRefCount.DecRef(func() { c.gone = true })
}

func TestPostToClosedRunnerReleasesTasks(t *testing.T) {
	origin, worker := newManualRunner(t), newManualRunner(t)
	defer SetCurrent(origin)()
	worker.close()

	obj := newCounted()
	ran := false
	ok := PostTaskAndReply(worker, FromHere(),
		callback.BindOnce1(func(callback.Retainer[*counted]) { ran = true }, callback.Retained(obj)),
		callback.BindOnce1(func(callback.Retainer[*counted]) { ran = true }, callback.Retained(obj)))
	if ok {
		t.Errorf("PostTaskAndReply to a closed runner succeeded")
	}
	obj.DecRef()
	if ran || !obj.gone {
		t.Errorf("ran=%v gone=%v, want false true", ran, obj.gone)
	}
}

func TestReplyDroppedWhenOriginCloses(t *testing.T) {
	origin, worker := newManualRunner(t), newManualRunner(t)
	defer SetCurrent(origin)()

	replied := false
	PostTaskAndReply(worker, FromHere(), callback.BindOnce(func() {}), callback.BindOnce(func() { replied = true }))
	origin.close()
	worker.drain()
	if replied {
		t.Errorf("reply ran on a closed origin")
	}
}

func TestCurrent(t *testing.T) {
	if HasCurrent() {
		t.Fatalf("test goroutine has a current runner")
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("Current() without a runner did not panic")
			}
		}()
		Current()
	}()

	r := newManualRunner(t)
	restore := SetCurrent(r)
	if !HasCurrent() || Current() != TaskRunner(r) {
		t.Errorf("SetCurrent did not install the runner")
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("second SetCurrent on one sequence did not panic")
			}
		}()
		SetCurrent(r)
	}()
	restore()
	if HasCurrent() {
		t.Errorf("restore did not remove the runner")
	}
}

func TestOverrideForTesting(t *testing.T) {
	a, b := newManualRunner(t), newManualRunner(t)
	defer SetCurrent(a)()

	cu := OverrideForTesting(b)
	if Current() != TaskRunner(b) {
		t.Errorf("override not installed")
	}
	cu.Clean()
	if Current() != TaskRunner(a) {
		t.Errorf("override not restored")
	}
}

func TestReleaseSoon(t *testing.T) {
	r := newManualRunner(t)
	obj := newCounted()
	ReleaseSoon(r, FromHere(), obj)
	if obj.gone {
		t.Fatalf("released before the task ran")
	}
	r.drain()
	if !obj.gone {
		t.Errorf("not released after the task ran")
	}

	obj = newCounted()
	r.close()
	if ReleaseSoon(r, FromHere(), obj) || !obj.gone {
		t.Errorf("closed runner: reference not released inline")
	}
}

func TestCancelledTaskIsDropped(t *testing.T) {
	r := newManualRunner(t)
	obj := newCounted()
	ran := false
	r.PostTask(FromHere(), callback.BindWeakOnce(func(*counted) { ran = true }, obj))
	obj.DecRef()
	if n := r.drain(); n != 0 || ran {
		t.Errorf("cancelled task ran: n=%d ran=%v", n, ran)
	}
}
