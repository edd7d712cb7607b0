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
	"time"

	"gobase.dev/gobase/pkg/callback"
	"gobase.dev/gobase/pkg/refs"
	"gobase.dev/gobase/pkg/sequence"
	"gobase.dev/gobase/pkg/taskrunner"
)

// Runner posts tasks to a MessageLoop. It is reference counted and may
// outlive its loop; posts after the loop is destroyed fail and count as
// rejected.
type Runner struct {
	refs.AtomicRefCount

	tok  sequence.Token
	loop *MessageLoop
}

var _ taskrunner.TaskRunner = (*Runner)(nil)

// DecRef implements refs.RefCounter.DecRef.
func (r *Runner) DecRef() {
	r.AtomicRefCount.DecRef(nil)
}

func (r *Runner) post(from taskrunner.Location, task callback.OnceClosure, delay time.Duration, nestable bool) bool {
	return r.loop.post(from, task, delay, nestable)
}

// PostTask implements taskrunner.TaskRunner.PostTask.
func (r *Runner) PostTask(from taskrunner.Location, task callback.OnceClosure) bool {
	return r.post(from, task, 0, true)
}

// PostDelayedTask implements taskrunner.TaskRunner.PostDelayedTask.
func (r *Runner) PostDelayedTask(from taskrunner.Location, task callback.OnceClosure, delay time.Duration) bool {
	return r.post(from, task, delay, true)
}

// PostNonNestableTask posts a task that never runs from a nested loop.
func (r *Runner) PostNonNestableTask(from taskrunner.Location, task callback.OnceClosure) bool {
	return r.post(from, task, 0, false)
}

// RunsTasksInCurrentSequence implements
// taskrunner.TaskRunner.RunsTasksInCurrentSequence.
func (r *Runner) RunsTasksInCurrentSequence() bool {
	return r.tok == sequence.Current()
}
