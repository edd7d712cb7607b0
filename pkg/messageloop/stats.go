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
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// Stats is a snapshot of a loop's task counters.
type Stats struct {
	Posted    uint64
	Ran       uint64
	Cancelled uint64
	Rejected  uint64
	Panicked  uint64
}

// loopStats holds the metrics of one loop. Each loop has its own set so
// that loops with equal names do not collide.
type loopStats struct {
	set        *metrics.Set
	posted     *metrics.Counter
	ran        *metrics.Counter
	cancelled  *metrics.Counter
	rejected   *metrics.Counter
	panicked   *metrics.Counter
	queueDelay *metrics.Histogram
}

func newLoopStats(name string, pending func() int) *loopStats {
	s := metrics.NewSet()
	metric := func(base string) string {
		return fmt.Sprintf("%s{loop=%q}", base, name)
	}
	s.GetOrCreateGauge(metric("messageloop_pending_tasks"), func() float64 {
		return float64(pending())
	})
	return &loopStats{
		set:        s,
		posted:     s.GetOrCreateCounter(metric("messageloop_tasks_posted_total")),
		ran:        s.GetOrCreateCounter(metric("messageloop_tasks_run_total")),
		cancelled:  s.GetOrCreateCounter(metric("messageloop_tasks_cancelled_total")),
		rejected:   s.GetOrCreateCounter(metric("messageloop_tasks_rejected_total")),
		panicked:   s.GetOrCreateCounter(metric("messageloop_tasks_panicked_total")),
		queueDelay: s.GetOrCreateHistogram(metric("messageloop_task_latency_seconds")),
	}
}

func (s *loopStats) snapshot() Stats {
	return Stats{
		Posted:    s.posted.Get(),
		Ran:       s.ran.Get(),
		Cancelled: s.cancelled.Get(),
		Rejected:  s.rejected.Get(),
		Panicked:  s.panicked.Get(),
	}
}
