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

// Package messageloop provides a cooperative single-sequence task loop.
//
// A MessageLoop belongs to the sequence that created it: Run, Destroy and
// the observer methods must be called from that sequence, and posted tasks
// run on it. Tasks may be posted from any goroutine through the loop's
// Runner.
package messageloop

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/btree"

	"gobase.dev/gobase/pkg/callback"
	"gobase.dev/gobase/pkg/log"
	"gobase.dev/gobase/pkg/observer"
	"gobase.dev/gobase/pkg/refs"
	"gobase.dev/gobase/pkg/sequence"
	"gobase.dev/gobase/pkg/sync"
	"gobase.dev/gobase/pkg/taskrunner"
)

// TaskObserver is notified around every task the loop runs.
type TaskObserver interface {
	WillProcessTask(task *taskrunner.PendingTask)
	DidProcessTask(task *taskrunner.PendingTask)
}

// DestructionObserver is notified before the loop is destroyed.
type DestructionObserver interface {
	WillDestroyCurrentMessageLoop()
}

// runState is the state of one (possibly nested) Run call.
type runState struct {
	quit         bool
	quitWhenIdle bool
}

// MessageLoop runs tasks posted to its Runner, in posting order for
// immediate tasks and in (run time, posting order) for delayed ones.
type MessageLoop struct {
	name       string
	tok        sequence.Token
	unregister func()
	runner     *Runner
	stats      *loopStats

	// wake has capacity one; a post signals it without blocking.
	wake chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	incoming []taskrunner.PendingTask
	// +checklocks:mu
	delayed *btree.BTreeG[*taskrunner.PendingTask]
	// deferred holds non-nestable tasks that came up in a nested loop.
	// +checklocks:mu
	deferred []taskrunner.PendingTask
	// +checklocks:mu
	destroyed bool
	seq       sequence.Number

	// The fields below are only touched on the loop's sequence.

	runs            []*runState
	nestableAllowed bool

	taskObservers        observer.List[TaskObserver]
	destructionObservers observer.List[DestructionObserver]
}

func lessPending(a, b *taskrunner.PendingTask) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.Seq < b.Seq
}

// New creates a loop bound to the calling sequence and makes its runner the
// sequence's current task runner. It panics if the sequence already has one.
func New(name string) *MessageLoop {
	l := &MessageLoop{
		name:    name,
		tok:     sequence.Current(),
		wake:    make(chan struct{}, 1),
		delayed: btree.NewG(2, lessPending),
	}
	l.stats = newLoopStats(name, l.pendingTasks)
	l.runner = &Runner{tok: l.tok, loop: l}
	l.unregister = taskrunner.Register(l.tok, l.runner)
	l.runner.InitRefsFor(l.runner)
	return l
}

// Name returns the loop's name.
func (l *MessageLoop) Name() string {
	return l.name
}

// TaskRunner returns a new reference to the loop's runner. The runner
// outlives the loop; posting to it after Destroy fails.
func (l *MessageLoop) TaskRunner() refs.Ref[*Runner] {
	return refs.NewRef(l.runner)
}

func (l *MessageLoop) checkSequence(op string) {
	if cur := sequence.Current(); cur != l.tok {
		panic(fmt.Sprintf("messageloop %q: %s called from %v, loop belongs to %v", l.name, op, cur, l.tok))
	}
}

// post queues a task. It takes ownership of task in all cases.
func (l *MessageLoop) post(from taskrunner.Location, task callback.OnceClosure, delay time.Duration, nestable bool) bool {
	if task.IsNull() {
		panic(fmt.Sprintf("posting a null task from %v", from))
	}
	now := time.Now()
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		task.Reset()
		l.stats.rejected.Inc()
		return false
	}
	p := taskrunner.PendingTask{
		From:     from,
		Task:     task,
		PostedAt: now,
		Seq:      l.seq.GetNext(),
		Nestable: nestable,
	}
	if delay > 0 {
		p.RunAt = now.Add(delay)
		l.delayed.ReplaceOrInsert(&p)
	} else {
		l.incoming = append(l.incoming, p)
	}
	l.mu.Unlock()

	l.stats.posted.Inc()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// pendingTasks returns the number of queued tasks.
func (l *MessageLoop) pendingTasks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.incoming) + l.delayed.Len() + len(l.deferred)
}

// nextTask pops the next runnable task, if any.
func (l *MessageLoop) nextTask() (taskrunner.PendingTask, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for {
		min, ok := l.delayed.Min()
		if !ok || min.RunAt.After(now) {
			break
		}
		l.delayed.DeleteMin()
		l.incoming = append(l.incoming, *min)
	}

	nested := len(l.runs) > 1
	if !nested && len(l.deferred) > 0 {
		p := l.deferred[0]
		l.deferred = l.deferred[1:]
		return p, true
	}
	for len(l.incoming) > 0 {
		p := l.incoming[0]
		l.incoming[0] = taskrunner.PendingTask{}
		l.incoming = l.incoming[1:]
		if nested && !p.Nestable {
			l.deferred = append(l.deferred, p)
			continue
		}
		return p, true
	}
	return taskrunner.PendingTask{}, false
}

// wait blocks until a task may be ready or ctx is done.
func (l *MessageLoop) wait(ctx context.Context) error {
	l.mu.Lock()
	var next time.Time
	if min, ok := l.delayed.Min(); ok {
		next = min.RunAt
	}
	l.mu.Unlock()

	var timeout <-chan time.Time
	if !next.IsZero() {
		t := time.NewTimer(time.Until(next))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-l.wake:
	case <-timeout:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (l *MessageLoop) runTask(p *taskrunner.PendingTask) {
	if p.Task.IsCancelled() {
		p.Drop()
		l.stats.cancelled.Inc()
		return
	}
	l.taskObservers.ForEach(func(o TaskObserver) { o.WillProcessTask(p) })
	func() {
		defer func() {
			if r := recover(); r != nil {
				l.stats.panicked.Inc()
				log.Traceback("messageloop %q: task posted at %v panicked: %v", l.name, p.From, r)
				panic(r)
			}
		}()
		p.Task.Run()
	}()
	l.stats.ran.Inc()
	l.stats.queueDelay.UpdateDuration(p.PostedAt)
	l.taskObservers.ForEach(func(o TaskObserver) { o.DidProcessTask(p) })
}

// Run runs tasks until Quit is called or ctx is done, in which case it
// returns ctx.Err(). A task may call Run again to start a nested loop if
// nestable tasks are allowed; the nested loop skips non-nestable tasks
// until the outer loop resumes.
func (l *MessageLoop) Run(ctx context.Context) error {
	l.checkSequence("Run")
	return l.run(ctx, false)
}

// RunUntilIdle runs tasks until none is ready, then returns. Delayed tasks
// that are not due yet stay queued.
func (l *MessageLoop) RunUntilIdle() {
	l.checkSequence("RunUntilIdle")
	l.run(context.Background(), true)
}

func (l *MessageLoop) run(ctx context.Context, untilIdle bool) error {
	l.mu.Lock()
	destroyed := l.destroyed
	l.mu.Unlock()
	if destroyed {
		panic(fmt.Sprintf("messageloop %q: Run after Destroy", l.name))
	}
	if len(l.runs) > 0 && !l.nestableAllowed {
		panic(fmt.Sprintf("messageloop %q: nested Run without allowing nestable tasks", l.name))
	}

	rs := &runState{quitWhenIdle: untilIdle}
	l.runs = append(l.runs, rs)
	defer func() {
		l.runs = l.runs[:len(l.runs)-1]
	}()
	for {
		if rs.quit {
			return nil
		}
		if p, ok := l.nextTask(); ok {
			l.runTask(&p)
			continue
		}
		if rs.quitWhenIdle {
			return nil
		}
		if err := l.wait(ctx); err != nil {
			return err
		}
	}
}

// onLoop runs f now if called on the loop's sequence, or posts it otherwise.
func (l *MessageLoop) onLoop(from taskrunner.Location, f func()) {
	if sequence.Current() == l.tok {
		f()
		return
	}
	l.post(from, callback.BindOnce(f), 0, true)
}

// Quit makes the innermost Run return once the current task finishes.
// Tasks still queued stay queued. Quit may be called from any goroutine.
func (l *MessageLoop) Quit() {
	l.onLoop(taskrunner.FromHere(), func() {
		if len(l.runs) == 0 {
			log.Warningf("messageloop %q: Quit while not running", l.name)
			return
		}
		l.runs[len(l.runs)-1].quit = true
	})
}

// QuitWhenIdle makes the innermost Run return once no task is ready. It may
// be called from any goroutine.
func (l *MessageLoop) QuitWhenIdle() {
	l.onLoop(taskrunner.FromHere(), func() {
		if len(l.runs) == 0 {
			log.Warningf("messageloop %q: QuitWhenIdle while not running", l.name)
			return
		}
		l.runs[len(l.runs)-1].quitWhenIdle = true
	})
}

// QuitClosure returns a closure that calls Quit.
func (l *MessageLoop) QuitClosure() callback.RepeatingClosure {
	return callback.BindRepeating(l.Quit)
}

// SetNestableTasksAllowed controls whether a task may start a nested Run.
func (l *MessageLoop) SetNestableTasksAllowed(allowed bool) {
	l.checkSequence("SetNestableTasksAllowed")
	l.nestableAllowed = allowed
}

// NestableTasksAllowed returns whether a task may start a nested Run.
func (l *MessageLoop) NestableTasksAllowed() bool {
	return l.nestableAllowed
}

// IsIdleForTesting returns whether no task is ready to run.
func (l *MessageLoop) IsIdleForTesting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.incoming) > 0 || len(l.deferred) > 0 {
		return false
	}
	min, ok := l.delayed.Min()
	return !ok || min.RunAt.After(time.Now())
}

// AddTaskObserver adds o.
func (l *MessageLoop) AddTaskObserver(o TaskObserver) {
	l.checkSequence("AddTaskObserver")
	l.taskObservers.AddObserver(o)
}

// RemoveTaskObserver removes o.
func (l *MessageLoop) RemoveTaskObserver(o TaskObserver) {
	l.checkSequence("RemoveTaskObserver")
	l.taskObservers.RemoveObserver(o)
}

// AddDestructionObserver adds o.
func (l *MessageLoop) AddDestructionObserver(o DestructionObserver) {
	l.checkSequence("AddDestructionObserver")
	l.destructionObservers.AddObserver(o)
}

// RemoveDestructionObserver removes o.
func (l *MessageLoop) RemoveDestructionObserver(o DestructionObserver) {
	l.checkSequence("RemoveDestructionObserver")
	l.destructionObservers.RemoveObserver(o)
}

// Destroy notifies destruction observers, then releases every queued task
// without running it. Posting to the loop fails from then on, including
// posts made by the destructors of released tasks. The loop must not be
// running.
func (l *MessageLoop) Destroy() {
	l.checkSequence("Destroy")
	if len(l.runs) > 0 {
		panic(fmt.Sprintf("messageloop %q: Destroy while running", l.name))
	}
	l.destructionObservers.ForEach(func(o DestructionObserver) { o.WillDestroyCurrentMessageLoop() })

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		panic(fmt.Sprintf("messageloop %q: destroyed twice", l.name))
	}
	l.destroyed = true
	pending := append(l.incoming, l.deferred...)
	l.delayed.Ascend(func(p *taskrunner.PendingTask) bool {
		pending = append(pending, *p)
		return true
	})
	l.incoming, l.deferred = nil, nil
	l.delayed.Clear(false)
	l.mu.Unlock()

	for i := range pending {
		pending[i].Drop()
	}
	l.taskObservers.Clear()
	l.destructionObservers.Clear()
	l.unregister()
	l.runner.DecRef()
}

// WritePrometheus writes the loop's metrics in Prometheus text format.
func (l *MessageLoop) WritePrometheus(w io.Writer) {
	l.stats.set.WritePrometheus(w)
}

// Stats returns a snapshot of the loop's counters.
func (l *MessageLoop) Stats() Stats {
	return l.stats.snapshot()
}
