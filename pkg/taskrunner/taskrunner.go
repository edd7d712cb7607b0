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

// Package taskrunner defines the interface to post tasks and the helpers
// built on it.
//
// A TaskRunner takes ownership of every task posted to it: the task is
// either run exactly once or, if the runner is shutting down or the task was
// cancelled, released without running.
package taskrunner

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"gobase.dev/gobase/pkg/callback"
	"gobase.dev/gobase/pkg/log"
	"gobase.dev/gobase/pkg/refs"
)

// Location records where a task was posted from.
type Location struct {
	Function string
	File     string
	Line     int
}

// FromHere returns the location of its caller.
func FromHere() Location {
	return fromCaller(2)
}

func fromCaller(skip int) Location {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return Location{Function: "unknown"}
	}
	fn := "unknown"
	if f := runtime.FuncForPC(pc); f != nil {
		fn = f.Name()
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return Location{Function: fn, File: file, Line: line}
}

// String implements fmt.Stringer.
func (l Location) String() string {
	return fmt.Sprintf("%s@%s:%d", l.Function, l.File, l.Line)
}

// TaskRunner runs posted tasks asynchronously.
type TaskRunner interface {
	// PostTask posts task to run as soon as possible. It returns false if
	// the task could not be posted, in which case it was released without
	// running.
	PostTask(from Location, task callback.OnceClosure) bool

	// PostDelayedTask posts task to run no sooner than delay from now.
	PostDelayedTask(from Location, task callback.OnceClosure, delay time.Duration) bool

	// RunsTasksInCurrentSequence returns whether tasks posted to this
	// runner run on the calling sequence.
	RunsTasksInCurrentSequence() bool
}

// PendingTask is a task waiting in a runner's queue.
type PendingTask struct {
	// From is where the task was posted.
	From Location

	// Task is run at most once.
	Task callback.OnceClosure

	// PostedAt is when the task was posted.
	PostedAt time.Time

	// RunAt is the earliest time the task may run. Zero means immediately.
	RunAt time.Time

	// Seq orders tasks with equal RunAt in posting order.
	Seq int64

	// Nestable is false for tasks that must not run from a nested loop.
	Nestable bool
}

// Run runs the task unless it was cancelled, and reports whether it ran.
// A cancelled task is released instead.
func (p *PendingTask) Run() bool {
	if p.Task.IsCancelled() {
		p.Task.Reset()
		return false
	}
	p.Task.Run()
	return true
}

// Drop releases the task without running it.
func (p *PendingTask) Drop() {
	p.Task.Reset()
}

// PostTaskAndReply posts task to runner; once it has run, reply is posted
// back to the calling sequence's current runner. It panics if the calling
// sequence has no current runner.
//
// If task never runs, both task and reply are released without running.
func PostTaskAndReply(runner TaskRunner, from Location, task, reply callback.OnceClosure) bool {
	relay := callback.BindOnce3(runAndReply, task, reply, replyTo{origin: Current(), from: from})
	return runner.PostTask(from, relay)
}

// replyTo is where a reply is posted once its task has run.
type replyTo struct {
	origin TaskRunner
	from   Location
}

func runAndReply(task, reply callback.OnceClosure, to replyTo) {
	task.Run()
	if !to.origin.PostTask(to.from, reply) {
		log.Debugf("reply for task posted at %v dropped: origin runner is gone", to.from)
	}
}

// PostTaskAndReplyWithResult is PostTaskAndReply for a task that produces a
// value; reply receives it on the calling sequence.
func PostTaskAndReplyWithResult[R any](runner TaskRunner, from Location, task callback.OnceFunc[R], reply callback.OnceCallback[R]) bool {
	result := new(R)
	return PostTaskAndReply(runner, from,
		callback.BindOnce2(storeResult[R], task, result),
		callback.BindOnce2(deliverResult[R], reply, result))
}

func storeResult[R any](task callback.OnceFunc[R], out *R) {
	*out = task.Run()
}

func deliverResult[R any](reply callback.OnceCallback[R], in *R) {
	reply.Run(*in)
}

// ReleaseSoon posts a task to runner that drops the caller's reference on
// obj. If the task cannot be posted the reference is dropped immediately.
func ReleaseSoon[T refs.Counted](runner TaskRunner, from Location, obj T) bool {
	if runner.PostTask(from, callback.BindOnce1(decRef[T], obj)) {
		return true
	}
	obj.DecRef()
	return false
}

func decRef[T refs.Counted](obj T) {
	obj.DecRef()
}
