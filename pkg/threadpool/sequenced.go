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

package threadpool

import (
	"time"

	"gobase.dev/gobase/pkg/callback"
	"gobase.dev/gobase/pkg/refs"
	"gobase.dev/gobase/pkg/sequence"
	"gobase.dev/gobase/pkg/sync"
	"gobase.dev/gobase/pkg/taskrunner"
)

// SequencedRunner runs its tasks one at a time, in posting order, on a
// sequence of its own. It is reference counted and every pending task holds
// a reference; it stays the current runner of its sequence until the last
// reference is dropped.
type SequencedRunner struct {
	refs.AtomicRefCount

	pool       *Pool
	tok        sequence.Token
	unregister func()

	mu sync.Mutex
	// +checklocks:mu
	queue []*taskrunner.PendingTask
	// running is set while a worker drains the queue.
	// +checklocks:mu
	running bool
}

var _ taskrunner.TaskRunner = (*SequencedRunner)(nil)

// SequencedTaskRunner returns a new runner on a fresh sequence.
func (p *Pool) SequencedTaskRunner() refs.Ref[*SequencedRunner] {
	r := &SequencedRunner{
		pool: p,
		tok:  sequence.NewToken(),
	}
	r.unregister = taskrunner.Register(r.tok, r)
	r.InitRefsFor(r)
	return refs.Adopt(r)
}

// DecRef implements refs.RefCounter.DecRef.
func (r *SequencedRunner) DecRef() {
	r.AtomicRefCount.DecRef(r.unregister)
}

// Token returns the sequence the runner's tasks run on.
func (r *SequencedRunner) Token() sequence.Token {
	return r.tok
}

// PostTask implements taskrunner.TaskRunner.PostTask.
func (r *SequencedRunner) PostTask(from taskrunner.Location, task callback.OnceClosure) bool {
	return r.PostDelayedTask(from, task, 0)
}

// PostDelayedTask implements taskrunner.TaskRunner.PostDelayedTask. A
// delayed task is queued behind the tasks posted before it came due.
func (r *SequencedRunner) PostDelayedTask(from taskrunner.Location, task callback.OnceClosure, delay time.Duration) bool {
	pt, ok := r.pool.accept(from, task, delay)
	if !ok {
		return false
	}
	r.IncRef()
	r.pool.schedule(pt, r.enqueue, r.DecRef)
	return true
}

// RunsTasksInCurrentSequence implements
// taskrunner.TaskRunner.RunsTasksInCurrentSequence.
func (r *SequencedRunner) RunsTasksInCurrentSequence() bool {
	return sequence.Current() == r.tok
}

func (r *SequencedRunner) enqueue(pt *taskrunner.PendingTask) {
	r.mu.Lock()
	r.queue = append(r.queue, pt)
	start := !r.running
	r.running = true
	r.mu.Unlock()
	if start {
		go r.drain()
	}
}

// drain runs queued tasks until the queue is empty. It holds a worker slot
// per task so that long sequences do not starve the pool.
func (r *SequencedRunner) drain() {
	p := r.pool
	for {
		if !p.acquire() {
			r.dropQueued()
			return
		}
		r.mu.Lock()
		pt := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.mu.Unlock()

		restore := sequence.Set(r.tok)
		p.runTask(pt)
		restore()
		p.release()
		r.DecRef()
		p.gate.Leave()

		r.mu.Lock()
		if len(r.queue) == 0 {
			r.running = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}
}

func (r *SequencedRunner) dropQueued() {
	r.mu.Lock()
	queue := r.queue
	r.queue = nil
	r.running = false
	r.mu.Unlock()
	for _, pt := range queue {
		r.pool.drop(pt)
		r.DecRef()
		r.pool.gate.Leave()
	}
}
