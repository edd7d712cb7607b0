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

// Package threadpool runs tasks on a bounded set of goroutines.
//
// Tasks posted through the pool's parallel runner may run concurrently and
// in any order. Tasks posted through a SequencedRunner run one at a time, in
// posting order, on the runner's own sequence: inside them
// taskrunner.Current returns that runner, so replies posted with
// taskrunner.PostTaskAndReply come back to it.
package threadpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/semaphore"

	"gobase.dev/gobase/pkg/atomicbitops"
	"gobase.dev/gobase/pkg/callback"
	"gobase.dev/gobase/pkg/log"
	"gobase.dev/gobase/pkg/sequence"
	"gobase.dev/gobase/pkg/sync"
	"gobase.dev/gobase/pkg/taskrunner"
)

// ErrShutdown is returned by Shutdown once the pool is already shut down.
var ErrShutdown = errors.New("thread pool is shut down")

// Pool runs tasks with at most a fixed number running at once.
type Pool struct {
	name  string
	sem   *semaphore.Weighted
	stats *poolStats

	// gate is entered by every accepted task and left once the task has run
	// or been dropped.
	gate sync.Gate

	// ctx is cancelled when Shutdown gives up waiting, dropping the tasks
	// still waiting for a worker.
	ctx    context.Context
	cancel context.CancelFunc

	// shutdown is set under mu, so schedule never files a delayed task after
	// Shutdown swept the timers.
	shutdown atomicbitops.Bool
	parallel ParallelRunner

	// rejectLog reports posts after shutdown without flooding the log.
	rejectLog log.Logger

	mu sync.Mutex
	// timers holds the delayed tasks that have not come due.
	// +checklocks:mu
	timers map[*taskrunner.PendingTask]delayedTask
	seq    sequence.Number
}

// delayedTask is a task waiting for its timer.
type delayedTask struct {
	timer *time.Timer
	// release, if set, is called after the task is dropped at shutdown.
	release func()
}

// New creates a pool that runs at most workers tasks at once.
func New(name string, workers int) *Pool {
	if workers <= 0 {
		panic(fmt.Sprintf("threadpool %q: workers must be positive, got %d", name, workers))
	}
	p := &Pool{
		name:      name,
		sem:       semaphore.NewWeighted(int64(workers)),
		timers:    make(map[*taskrunner.PendingTask]delayedTask),
		rejectLog: log.BasicRateLimitedLogger(time.Second),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.stats = newPoolStats(name, p.delayedTasks)
	p.parallel.pool = p
	return p
}

// Name returns the pool's name.
func (p *Pool) Name() string {
	return p.name
}

// TaskRunner returns the pool's parallel runner.
func (p *Pool) TaskRunner() *ParallelRunner {
	return &p.parallel
}

func (p *Pool) delayedTasks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// accept enters the gate for a new task and wraps it. It takes ownership of
// task; on failure the task is released. Posts are rejected from the moment
// Shutdown starts.
func (p *Pool) accept(from taskrunner.Location, task callback.OnceClosure, delay time.Duration) (*taskrunner.PendingTask, bool) {
	if task.IsNull() {
		panic(fmt.Sprintf("posting a null task from %v", from))
	}
	if p.shutdown.Load() || !p.gate.Enter() {
		task.Reset()
		p.stats.rejected.Inc()
		p.rejectLog.Warningf("threadpool %q: task posted at %v rejected after shutdown", p.name, from)
		return nil, false
	}
	now := time.Now()
	pt := &taskrunner.PendingTask{
		From:     from,
		Task:     task,
		PostedAt: now,
		Seq:      p.seq.GetNext(),
		Nestable: true,
	}
	if delay > 0 {
		pt.RunAt = now.Add(delay)
	}
	p.stats.posted.Inc()
	return pt, true
}

// schedule calls dispatch for pt once it is due. If Shutdown drops pt
// first, release is called instead.
func (p *Pool) schedule(pt *taskrunner.PendingTask, dispatch func(*taskrunner.PendingTask), release func()) {
	if pt.RunAt.IsZero() {
		dispatch(pt)
		return
	}
	p.mu.Lock()
	if p.shutdown.Load() {
		// Accepted before Shutdown started, scheduled after its sweep.
		p.mu.Unlock()
		p.dropDelayed(pt, release)
		return
	}
	defer p.mu.Unlock()
	t := time.AfterFunc(time.Until(pt.RunAt), func() {
		p.mu.Lock()
		_, ok := p.timers[pt]
		delete(p.timers, pt)
		p.mu.Unlock()
		if ok {
			dispatch(pt)
		}
	})
	p.timers[pt] = delayedTask{timer: t, release: release}
}

// acquire waits for a free worker slot. It fails only after Shutdown gave
// up waiting.
func (p *Pool) acquire() bool {
	return p.sem.Acquire(p.ctx, 1) == nil
}

// release returns a worker slot.
func (p *Pool) release() {
	p.sem.Release(1)
}

// runTask runs one accepted task. The caller leaves the gate once it is done
// with the task.
func (p *Pool) runTask(pt *taskrunner.PendingTask) {
	if !pt.Run() {
		p.stats.cancelled.Inc()
		return
	}
	p.stats.ran.Inc()
	p.stats.latency.UpdateDuration(pt.PostedAt)
}

// drop releases an accepted task without running it. As with runTask, the
// caller leaves the gate.
func (p *Pool) drop(pt *taskrunner.PendingTask) {
	pt.Drop()
	p.stats.dropped.Inc()
}

// dropDelayed drops a delayed task that never came due. Must be called
// without mu held.
func (p *Pool) dropDelayed(pt *taskrunner.PendingTask, release func()) {
	p.drop(pt)
	if release != nil {
		release()
	}
	p.gate.Leave()
}

// Shutdown stops accepting tasks, drops delayed tasks that have not come
// due and waits for the rest to finish. If ctx is done first, tasks still
// waiting for a worker are dropped and ctx.Err() is returned; tasks already
// running are not interrupted.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown.Swap(true) {
		p.mu.Unlock()
		return ErrShutdown
	}
	var pending []*taskrunner.PendingTask
	var releases []func()
	for pt, d := range p.timers {
		// A timer that already fired dispatches its task itself.
		if d.timer.Stop() {
			pending = append(pending, pt)
			releases = append(releases, d.release)
			delete(p.timers, pt)
		}
	}
	p.mu.Unlock()
	for i, pt := range pending {
		p.dropDelayed(pt, releases[i])
	}

	if err := p.gate.CloseContext(ctx); err != nil {
		log.TracebackAll("threadpool %q: shutdown gave up with %d tasks in flight: %v", p.name, p.gate.Inside(), err)
		p.cancel()
		return err
	}
	p.cancel()
	return nil
}

// WritePrometheus writes the pool's metrics in Prometheus text format.
func (p *Pool) WritePrometheus(w io.Writer) {
	p.stats.set.WritePrometheus(w)
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return p.stats.snapshot()
}

// ParallelRunner posts tasks that may run concurrently with each other.
type ParallelRunner struct {
	pool *Pool
}

var _ taskrunner.TaskRunner = (*ParallelRunner)(nil)

// PostTask implements taskrunner.TaskRunner.PostTask.
func (r *ParallelRunner) PostTask(from taskrunner.Location, task callback.OnceClosure) bool {
	return r.PostDelayedTask(from, task, 0)
}

// PostDelayedTask implements taskrunner.TaskRunner.PostDelayedTask.
func (r *ParallelRunner) PostDelayedTask(from taskrunner.Location, task callback.OnceClosure, delay time.Duration) bool {
	pt, ok := r.pool.accept(from, task, delay)
	if !ok {
		return false
	}
	r.pool.schedule(pt, r.dispatch, nil)
	return true
}

func (r *ParallelRunner) dispatch(pt *taskrunner.PendingTask) {
	p := r.pool
	go func() {
		defer p.gate.Leave()
		if !p.acquire() {
			p.drop(pt)
			return
		}
		defer p.release()
		p.runTask(pt)
	}()
}

// RunsTasksInCurrentSequence implements
// taskrunner.TaskRunner.RunsTasksInCurrentSequence. Parallel tasks have no
// sequence, so it is always false.
func (r *ParallelRunner) RunsTasksInCurrentSequence() bool {
	return false
}
