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
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"gobase.dev/gobase/basectl/config"
	"gobase.dev/gobase/pkg/atomicbitops"
	"gobase.dev/gobase/pkg/callback"
	"gobase.dev/gobase/pkg/log"
	"gobase.dev/gobase/pkg/refs"
	"gobase.dev/gobase/pkg/sync"
	"gobase.dev/gobase/pkg/taskrunner"
	"gobase.dev/gobase/pkg/threadpool"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	objects    int
	iterations int
	sequences  int
	timeout    time.Duration
	logRefs    bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "share reference-counted objects across the thread pool and check the counts"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - posts tasks that retain, weakly bind and reply about
shared objects, then checks that every reference was returned.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.objects, "objects", 16, "number of shared objects.")
	f.IntVar(&s.iterations, "iterations", 10000, "number of task rounds to post.")
	f.IntVar(&s.sequences, "sequences", 4, "number of sequenced task runners.")
	f.DurationVar(&s.timeout, "timeout", time.Minute, "time to wait for the pool to drain.")
	f.BoolVar(&s.logRefs, "log-refs", false, "log every reference operation on the first object. Needs --ref-leak-mode.")
}

// shared is the object the stress tasks fight over.
type shared struct {
	refs.AtomicRefCount

	hits      atomicbitops.Int64
	destroyed *atomicbitops.Int64
}

func newShared(destroyed *atomicbitops.Int64, logRefs bool) *shared {
	s := &shared{destroyed: destroyed}
	if logRefs {
		s.EnableLogging()
	}
	s.InitRefsFor(s)
	return s
}

// DecRef implements refs.RefCounter.DecRef.
func (s *shared) DecRef() {
	s.AtomicRefCount.DecRef(func() { s.destroyed.Add(1) })
}

func (s *shared) hit() {
	s.hits.Add(1)
}

// doneOnRelease calls Done on its group when the callback owning it is
// destroyed, whether or not the callback ran.
type doneOnRelease struct {
	wg *sync.WaitGroupErr
}

// Close implements io.Closer.
func (d doneOnRelease) Close() error {
	d.wg.Done()
	return nil
}

func track(wg *sync.WaitGroupErr) callback.OwnedValue[doneOnRelease] {
	wg.Add(1)
	return callback.Owned(doneOnRelease{wg})
}

func hitRetained(obj callback.Retainer[*shared], _ callback.OwnedValue[doneOnRelease]) {
	obj.Get().hit()
}

func hitWeak(obj *shared) {
	obj.hit()
}

// replyOnSequence asks the pool for obj's reference count and checks that
// the answer comes back on the calling sequence.
func replyOnSequence(pool *threadpool.Pool, self *threadpool.SequencedRunner, obj callback.Retainer[*shared], wg *sync.WaitGroupErr) {
	// obj is released with the calling task, so the pool task takes its own
	// reference.
	count := callback.BindOnceResult(readRefs, callback.Retained(obj.Get()))
	reply := callback.BindOnceArg(func(_ callback.OwnedValue[doneOnRelease], n int64) {
		if !self.RunsTasksInCurrentSequence() {
			wg.ReportError(errors.New("reply ran off its sequence"))
		}
		if n < 2 {
			wg.ReportError(fmt.Errorf("retained object had %d references", n))
		}
	}, track(wg))
	if !taskrunner.PostTaskAndReplyWithResult(pool.TaskRunner(), taskrunner.FromHere(), count, reply) {
		wg.ReportError(errors.New("posting to the pool failed"))
	}
}

func readRefs(obj callback.Retainer[*shared]) int64 {
	return obj.Get().ReadRefs()
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.objects <= 0 || s.sequences <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	pool := threadpool.New("stress", conf.Workers)
	var destroyed atomicbitops.Int64
	objs := make([]*shared, s.objects)
	for i := range objs {
		objs[i] = newShared(&destroyed, s.logRefs && i == 0)
	}
	seqs := make([]refs.Ref[*threadpool.SequencedRunner], s.sequences)
	for i := range seqs {
		seqs[i] = pool.SequencedTaskRunner()
	}

	start := time.Now()
	var wg sync.WaitGroupErr
	for i := 0; i < s.iterations; i++ {
		obj := objs[i%len(objs)]
		seq := seqs[i%len(seqs)].Get()

		pool.TaskRunner().PostTask(taskrunner.FromHere(),
			callback.BindOnce2(hitRetained, callback.Retained(obj), track(&wg)))
		seq.PostTask(taskrunner.FromHere(),
			callback.BindOnce2(func(obj *shared, _ callback.OwnedValue[doneOnRelease]) { hitWeak(obj) }, obj, track(&wg)))
		weak := callback.BindWeakOnce(hitWeak, obj)
		seq.PostTask(taskrunner.FromHere(), weak)
		seq.PostTask(taskrunner.FromHere(),
			callback.BindOnce3(func(obj callback.Retainer[*shared], wg *sync.WaitGroupErr, _ callback.OwnedValue[doneOnRelease]) {
				replyOnSequence(pool, seq, obj, wg)
			}, callback.Retained(obj), &wg, track(&wg)))
	}
	if err := wg.Error(); err != nil {
		Fatalf("stress: %v", err)
	}
	elapsed := time.Since(start)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		Fatalf("stress: shutting down the pool: %v", err)
	}

	status := subcommands.ExitSuccess
	var hits int64
	for i, obj := range objs {
		if n := obj.ReadRefs(); n != 1 {
			log.Warningf("object %d has %d references after the run, want 1", i, n)
			status = subcommands.ExitFailure
		}
		hits += obj.hits.Load()
		obj.DecRef()
	}
	for i := range seqs {
		seqs[i].Reset()
	}
	if got := destroyed.Load(); got != int64(len(objs)) {
		log.Warningf("%d of %d objects were destroyed", got, len(objs))
		status = subcommands.ExitFailure
	}

	fmt.Fprintf(os.Stdout, "%d rounds, %d hits in %v\n", s.iterations, hits, elapsed)
	st := pool.Stats()
	fmt.Fprintf(os.Stdout, "pool: posted %d, ran %d, cancelled %d, dropped %d\n", st.Posted, st.Ran, st.Cancelled, st.Dropped)
	if err := writeMetrics(conf, pool.WritePrometheus); err != nil {
		log.Warningf("stress: %v", err)
		status = subcommands.ExitFailure
	}
	return status
}
