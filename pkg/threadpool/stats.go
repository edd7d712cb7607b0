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
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// Stats is a snapshot of a pool's task counters.
type Stats struct {
	Posted    uint64
	Ran       uint64
	Cancelled uint64
	Rejected  uint64
	Dropped   uint64
}

type poolStats struct {
	set       *metrics.Set
	posted    *metrics.Counter
	ran       *metrics.Counter
	cancelled *metrics.Counter
	rejected  *metrics.Counter
	dropped   *metrics.Counter
	latency   *metrics.Histogram
}

func newPoolStats(name string, delayed func() int) *poolStats {
	s := metrics.NewSet()
	metric := func(base string) string {
		return fmt.Sprintf("%s{pool=%q}", base, name)
	}
	s.GetOrCreateGauge(metric("threadpool_delayed_tasks"), func() float64 {
		return float64(delayed())
	})
	return &poolStats{
		set:       s,
		posted:    s.GetOrCreateCounter(metric("threadpool_tasks_posted_total")),
		ran:       s.GetOrCreateCounter(metric("threadpool_tasks_run_total")),
		cancelled: s.GetOrCreateCounter(metric("threadpool_tasks_cancelled_total")),
		rejected:  s.GetOrCreateCounter(metric("threadpool_tasks_rejected_total")),
		dropped:   s.GetOrCreateCounter(metric("threadpool_tasks_dropped_total")),
		latency:   s.GetOrCreateHistogram(metric("threadpool_task_latency_seconds")),
	}
}

func (s *poolStats) snapshot() Stats {
	return Stats{
		Posted:    s.posted.Get(),
		Ran:       s.ran.Get(),
		Cancelled: s.cancelled.Get(),
		Rejected:  s.rejected.Get(),
		Dropped:   s.dropped.Get(),
	}
}
