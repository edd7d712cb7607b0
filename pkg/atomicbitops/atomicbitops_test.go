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

package atomicbitops

import (
	"runtime"
	"sync"
	"testing"
)

func TestInt64ConcurrentAdd(t *testing.T) {
	const (
		goroutines = 8
		iterations = 1000
	)
	var v Int64
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				v.Add(1)
				runtime.Gosched()
				v.Add(-1)
				v.Add(1)
			}
		}()
	}
	wg.Wait()
	if got, want := v.Load(), int64(goroutines*iterations); got != want {
		t.Errorf("Load() = %d, want %d", got, want)
	}
}

func TestInt64Racy(t *testing.T) {
	v := FromInt64(5)
	if got := v.RacyAdd(2); got != 7 {
		t.Errorf("RacyAdd(2) = %d, want 7", got)
	}
	v.RacyStore(1)
	if got := v.RacyLoad(); got != 1 {
		t.Errorf("RacyLoad() = %d, want 1", got)
	}
	if !v.CompareAndSwap(1, 2) {
		t.Errorf("CompareAndSwap(1, 2) failed")
	}
	if v.CompareAndSwap(1, 3) {
		t.Errorf("CompareAndSwap(1, 3) succeeded on value %d", v.Load())
	}
}

func TestBool(t *testing.T) {
	b := FromBool(false)
	if b.Load() {
		t.Fatalf("FromBool(false).Load() = true")
	}
	if !b.CompareAndSwap(false, true) {
		t.Fatalf("CompareAndSwap(false, true) failed")
	}
	if b.CompareAndSwap(false, true) {
		t.Fatalf("second CompareAndSwap(false, true) succeeded")
	}
	if old := b.Swap(false); !old {
		t.Errorf("Swap(false) = false, want true")
	}
	b.Store(true)
	if !b.Load() {
		t.Errorf("Load() after Store(true) = false")
	}
}

func TestInt32AndUint(t *testing.T) {
	i := FromInt32(-1)
	if got := i.Add(1); got != 0 {
		t.Errorf("Add(1) = %d, want 0", got)
	}
	var u Uint64
	u.Add(3)
	u.Store(u.Load() + 1)
	if got := u.Load(); got != 4 {
		t.Errorf("Uint64 Load() = %d, want 4", got)
	}
}
