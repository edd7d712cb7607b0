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

package messageloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gobase.dev/gobase/pkg/callback"
	"gobase.dev/gobase/pkg/log"
	"gobase.dev/gobase/pkg/refs"
	"gobase.dev/gobase/pkg/taskrunner"
)

func TestMain(m *testing.M) {
	refs.SetLeakMode(refs.LeaksPanic)
	code := m.Run()
	refs.DoLeakCheck()
	os.Exit(code)
}

// recorder collects events from tasks running on the loop's sequence.
type recorder struct {
	events []string
}

func (r *recorder) task(name string) callback.OnceClosure {
	return callback.BindOnce1(r.add, name)
}

func (r *recorder) add(name string) {
	r.events = append(r.events, name)
}

func post(t *testing.T, l *MessageLoop, task callback.OnceClosure) {
	t.Helper()
	if !l.runner.PostTask(taskrunner.FromHere(), task) {
		t.Fatalf("PostTask failed")
	}
}

func postDelayed(t *testing.T, l *MessageLoop, task callback.OnceClosure, d time.Duration) {
	t.Helper()
	if !l.runner.PostDelayedTask(taskrunner.FromHere(), task, d) {
		t.Fatalf("PostDelayedTask failed")
	}
}

func TestTaskOrder(t *testing.T) {
	l := New("order")
	defer l.Destroy()
	r := &recorder{}

	postDelayed(t, l, r.task("d10"), 10*time.Millisecond)
	postDelayed(t, l, r.task("e5"), 5*time.Millisecond)
	postDelayed(t, l, r.task("f5"), 5*time.Millisecond)
	post(t, l, r.task("a"))
	post(t, l, r.task("b"))
	post(t, l, r.task("c"))
	postDelayed(t, l, callback.BindOnce(l.Quit), 30*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"a", "b", "c", "e5", "f5", "d10"}
	if diff := cmp.Diff(want, r.events); diff != "" {
		t.Errorf("task order mismatch (-want +got):\n%s", diff)
	}
}

func TestRunUntilIdle(t *testing.T) {
	l := New("idle")
	defer l.Destroy()
	r := &recorder{}

	post(t, l, callback.BindOnce(func() {
		r.add("first")
		post(t, l, r.task("posted by first"))
	}))
	postDelayed(t, l, r.task("later"), time.Hour)
	if l.IsIdleForTesting() {
		t.Errorf("loop idle with a task queued")
	}
	l.RunUntilIdle()

	if diff := cmp.Diff([]string{"first", "posted by first"}, r.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if !l.IsIdleForTesting() {
		t.Errorf("loop not idle after RunUntilIdle")
	}
	if got := l.pendingTasks(); got != 1 {
		t.Errorf("pending tasks = %d, want the delayed one", got)
	}

	postDelayed(t, l, r.task("soon"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if l.IsIdleForTesting() {
		t.Errorf("loop idle with a delayed task due")
	}
	l.RunUntilIdle()
	if !l.IsIdleForTesting() {
		t.Errorf("loop not idle after running the due task")
	}
}

func TestRunStopsOnContext(t *testing.T) {
	l := New("ctx")
	defer l.Destroy()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestPostAndQuitFromOtherGoroutine(t *testing.T) {
	l := New("cross")
	defer l.Destroy()
	runner := l.TaskRunner()
	defer runner.Reset()

	r := &recorder{}
	go func() {
		runner.Get().PostTask(taskrunner.FromHere(), r.task("remote"))
		l.Quit()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"remote"}, r.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestCurrentRunner(t *testing.T) {
	l := New("current")
	defer l.Destroy()

	if !taskrunner.HasCurrent() || taskrunner.Current() != taskrunner.TaskRunner(l.runner) {
		t.Fatalf("loop is not the current runner of its sequence")
	}
	if !l.runner.RunsTasksInCurrentSequence() {
		t.Errorf("RunsTasksInCurrentSequence() = false on the loop's sequence")
	}
	other := make(chan bool)
	go func() { other <- l.runner.RunsTasksInCurrentSequence() }()
	if <-other {
		t.Errorf("RunsTasksInCurrentSequence() = true on another goroutine")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("second loop on one sequence did not panic")
			}
		}()
		New("second")
	}()
}

type taskLog struct {
	events []string
}

func (o *taskLog) WillProcessTask(p *taskrunner.PendingTask) {
	o.events = append(o.events, "will:"+strings.TrimPrefix(p.From.File, "messageloop_"))
}

func (o *taskLog) DidProcessTask(p *taskrunner.PendingTask) {
	o.events = append(o.events, "did")
}

func TestTaskObservers(t *testing.T) {
	l := New("observers")
	defer l.Destroy()
	obs := &taskLog{}
	l.AddTaskObserver(obs)

	post(t, l, callback.BindOnce(func() { obs.events = append(obs.events, "run") }))
	l.RunUntilIdle()
	l.RemoveTaskObserver(obs)
	post(t, l, callback.BindOnce(func() {}))
	l.RunUntilIdle()

	want := []string{"will:test.go", "run", "did"}
	if diff := cmp.Diff(want, obs.events); diff != "" {
		t.Errorf("observer events mismatch (-want +got):\n%s", diff)
	}
}

type destructionLog struct {
	loop   *MessageLoop
	called int
	posted bool
}

func (d *destructionLog) WillDestroyCurrentMessageLoop() {
	d.called++
	// Tasks posted now are released with the rest of the queue.
	d.posted = d.loop.runner.PostTask(taskrunner.FromHere(), callback.BindOnce(func() {}))
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

func TestDestroy(t *testing.T) {
	l := New("destroy")
	runner := l.TaskRunner()
	defer runner.Reset()
	d := &destructionLog{loop: l}
	l.AddDestructionObserver(d)

	obj := newCounted()
	ran := false
	post(t, l, callback.BindOnce1(func(callback.Retainer[*counted]) { ran = true }, callback.Retained(obj)))
	postDelayed(t, l, callback.BindOnce1(func(callback.Retainer[*counted]) { ran = true }, callback.Retained(obj)), time.Hour)
	obj.DecRef()

	l.Destroy()
	if d.called != 1 || !d.posted {
		t.Errorf("destruction observer: called=%d posted=%v", d.called, d.posted)
	}
	if ran || !obj.gone {
		t.Errorf("queued tasks: ran=%v released=%v, want false true", ran, obj.gone)
	}
	if runner.Get().PostTask(taskrunner.FromHere(), callback.BindOnce(func() { ran = true })) {
		t.Errorf("PostTask after Destroy succeeded")
	}
	if taskrunner.HasCurrent() {
		t.Errorf("destroyed loop is still the current runner")
	}
	if got := l.Stats().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}
}

func TestNestedLoop(t *testing.T) {
	l := New("nested")
	defer l.Destroy()
	r := &recorder{}

	post(t, l, callback.BindOnce(func() {
		r.add("outer start")
		l.runner.PostNonNestableTask(taskrunner.FromHere(), r.task("non-nestable"))
		post(t, l, r.task("nestable"))
		l.SetNestableTasksAllowed(true)
		l.RunUntilIdle()
		l.SetNestableTasksAllowed(false)
		r.add("outer end")
	}))
	l.RunUntilIdle()

	want := []string{"outer start", "nestable", "outer end", "non-nestable"}
	if diff := cmp.Diff(want, r.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	panicked := false
	post(t, l, callback.BindOnce(func() {
		defer func() { panicked = recover() != nil }()
		l.RunUntilIdle()
	}))
	l.RunUntilIdle()
	if !panicked {
		t.Errorf("nested run without nestable tasks allowed did not panic")
	}
}

type logLines struct {
	*testing.T
	lines []string
}

func (l *logLines) Logf(format string, v ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}

func TestPanicIsReraised(t *testing.T) {
	out := &logLines{T: t}
	log.ForTest(out, log.Warning)
	l := New("panic")
	defer l.Destroy()
	post(t, l, callback.BindOnce(func() { panic("boom") }))

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Errorf("recovered %v, want %q", r, "boom")
			}
		}()
		l.RunUntilIdle()
	}()
	if got := l.Stats().Panicked; got != 1 {
		t.Errorf("Panicked = %d, want 1", got)
	}
	if logged := strings.Join(out.lines, "\n"); !strings.Contains(logged, "panicked: boom") || !strings.Contains(logged, "goroutine ") {
		t.Errorf("panic was not logged with a traceback:\n%s", logged)
	}
	// The loop is usable again.
	r := &recorder{}
	post(t, l, r.task("after"))
	l.RunUntilIdle()
	if len(r.events) != 1 {
		t.Errorf("loop did not run tasks after a panic")
	}
}

func TestCancelledTasksAndMetrics(t *testing.T) {
	l := New("metrics")
	defer l.Destroy()

	obj := newCounted()
	ran := false
	post(t, l, callback.BindWeakOnce(func(*counted) { ran = true }, obj))
	post(t, l, callback.BindOnce(func() {}))
	obj.DecRef()
	l.RunUntilIdle()

	if ran {
		t.Errorf("cancelled task ran")
	}
	want := Stats{Posted: 2, Ran: 1, Cancelled: 1}
	if diff := cmp.Diff(want, l.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	l.WritePrometheus(&buf)
	for _, line := range []string{
		`messageloop_tasks_run_total{loop="metrics"} 1`,
		`messageloop_tasks_cancelled_total{loop="metrics"} 1`,
		`messageloop_pending_tasks{loop="metrics"} 0`,
	} {
		if !strings.Contains(buf.String(), line) {
			t.Errorf("metrics output missing %q:\n%s", line, buf.String())
		}
	}
}

func TestWrongSequencePanics(t *testing.T) {
	l := New("sequence")
	defer l.Destroy()
	done := make(chan bool)
	go func() {
		defer func() { done <- recover() != nil }()
		l.RunUntilIdle()
	}()
	if !<-done {
		t.Errorf("RunUntilIdle from another goroutine did not panic")
	}
}
