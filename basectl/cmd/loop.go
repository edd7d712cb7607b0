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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"gobase.dev/gobase/basectl/config"
	"gobase.dev/gobase/pkg/callback"
	"gobase.dev/gobase/pkg/cleanup"
	"gobase.dev/gobase/pkg/log"
	"gobase.dev/gobase/pkg/messageloop"
	"gobase.dev/gobase/pkg/refs"
	"gobase.dev/gobase/pkg/taskrunner"
	"gobase.dev/gobase/pkg/threadpool"
)

// Loop implements subcommands.Command for the "loop" command.
type Loop struct {
	ticks    int
	interval time.Duration
}

// Name implements subcommands.Command.Name.
func (*Loop) Name() string {
	return "loop"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Loop) Synopsis() string {
	return "run a message loop driven by a weakly bound heartbeat"
}

// Usage implements subcommands.Command.Usage.
func (*Loop) Usage() string {
	return `loop [flags] - runs a message loop on the main goroutine. A heartbeat
reposts itself until it has ticked enough times, offloads a computation to the
thread pool and quits the loop from the reply.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Loop) SetFlags(f *flag.FlagSet) {
	f.IntVar(&l.ticks, "ticks", 5, "number of heartbeats before the loop quits.")
	f.DurationVar(&l.interval, "interval", 100*time.Millisecond, "time between heartbeats.")
}

// heartbeat reposts a weakly bound copy of itself until it is done. Once
// its last reference is dropped, pending heartbeats are cancelled.
type heartbeat struct {
	refs.AtomicRefCount

	runner   taskrunner.TaskRunner
	pool     *threadpool.Pool
	interval time.Duration
	left     int
	beat     callback.RepeatingClosure
	quit     callback.RepeatingClosure
}

func newHeartbeat(runner taskrunner.TaskRunner, pool *threadpool.Pool, ticks int, interval time.Duration, quit callback.RepeatingClosure) *heartbeat {
	h := &heartbeat{
		runner:   runner,
		pool:     pool,
		interval: interval,
		left:     ticks,
		quit:     quit,
	}
	h.InitRefsFor(h)
	h.beat = callback.BindWeakRepeating((*heartbeat).tick, h)
	return h
}

// DecRef implements refs.RefCounter.DecRef.
func (h *heartbeat) DecRef() {
	h.AtomicRefCount.DecRef(func() {
		h.beat.Reset()
		h.quit.Reset()
	})
}

func (h *heartbeat) start() {
	h.runner.PostTask(taskrunner.FromHere(), h.beat.Once())
}

func (h *heartbeat) tick() {
	h.left--
	log.Infof("heartbeat, %d left", h.left)
	if h.left > 0 {
		h.runner.PostDelayedTask(taskrunner.FromHere(), h.beat.Once(), h.interval)
		return
	}
	n := int64(h.interval / time.Millisecond)
	taskrunner.PostTaskAndReplyWithResult(h.pool.TaskRunner(), taskrunner.FromHere(),
		callback.BindOnceResult(sumOfSquares, n),
		callback.BindOnceArg(func(quit callback.RepeatingClosure, sum int64) {
			fmt.Fprintf(os.Stdout, "sum of squares below %d: %d\n", n, sum)
			quit.Run()
		}, h.quit.Copy()))
}

func sumOfSquares(n int64) int64 {
	var sum int64
	for i := int64(0); i < n; i++ {
		sum += i * i
	}
	return sum
}

// taskCounter logs every task the loop runs.
type taskCounter struct {
	started time.Time
	ran     int
}

// WillProcessTask implements messageloop.TaskObserver.
func (c *taskCounter) WillProcessTask(task *taskrunner.PendingTask) {
	log.Debugf("running task posted at %v, queued for %v", task.From, time.Since(task.PostedAt))
}

// DidProcessTask implements messageloop.TaskObserver.
func (c *taskCounter) DidProcessTask(*taskrunner.PendingTask) {
	c.ran++
}

// WillDestroyCurrentMessageLoop implements messageloop.DestructionObserver.
func (c *taskCounter) WillDestroyCurrentMessageLoop() {
	log.Infof("message loop destroyed after %d tasks in %v", c.ran, time.Since(c.started))
}

// Execute implements subcommands.Command.Execute.
func (l *Loop) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || l.ticks <= 0 || l.interval <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()

	loop := messageloop.New("basectl")
	cu := cleanup.MakeFunc(loop.Destroy)
	defer cu.Clean()

	pool := threadpool.New("basectl", conf.Workers)
	cu.Add(callback.BindOnce(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pool.Shutdown(sctx); err != nil {
			log.Warningf("loop: shutting down the pool: %v", err)
		}
	}))

	counter := &taskCounter{started: time.Now()}
	loop.AddTaskObserver(counter)
	loop.AddDestructionObserver(counter)

	runner := loop.TaskRunner()
	cu.Add(callback.BindOnce(runner.Reset))
	hb := newHeartbeat(runner.Get(), pool, l.ticks, l.interval, loop.QuitClosure())
	hb.start()
	// Queued heartbeats are bound weakly; they are cancelled once this
	// reference is dropped.
	cu.Add(callback.BindOnce(hb.DecRef))

	status := subcommands.ExitSuccess
	if err := loop.Run(ctx); err != nil {
		log.Warningf("loop: %v", err)
		status = subcommands.ExitFailure
	}

	st := loop.Stats()
	fmt.Fprintf(os.Stdout, "loop: posted %d, ran %d, cancelled %d\n", st.Posted, st.Ran, st.Cancelled)
	if err := writeMetrics(conf, loop.WritePrometheus, pool.WritePrometheus); err != nil {
		log.Warningf("loop: %v", err)
		status = subcommands.ExitFailure
	}
	return status
}
