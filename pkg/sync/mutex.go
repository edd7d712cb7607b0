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

package sync

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Mutex is sync.Mutex with an ownership assertion.
//
// When checks are enabled (see SetChecks) the holder's goroutine ID is
// recorded on every acquisition so that AssertHeld can verify it; otherwise
// AssertHeld is a no-op and Mutex costs the same as sync.Mutex.
type Mutex struct {
	mu sync.Mutex

	// holder is the goroutine ID of the current holder, or 0 if unknown.
	holder atomic.Uint64
}

// Lock locks m.
// +checklocksignore
func (m *Mutex) Lock() {
	m.mu.Lock()
	m.acquired()
}

// Unlock unlocks m.
// +checklocksignore
func (m *Mutex) Unlock() {
	m.holder.Store(0)
	m.mu.Unlock()
}

// TryLock tries to lock m and reports whether it succeeded.
// +checklocksignore
func (m *Mutex) TryLock() bool {
	if !m.mu.TryLock() {
		return false
	}
	m.acquired()
	return true
}

// AssertHeld panics if checks are enabled and the calling goroutine does not
// hold m.
func (m *Mutex) AssertHeld() {
	if !ChecksEnabled() {
		return
	}
	holder := m.holder.Load()
	if holder == 0 {
		panic("mutex is not held")
	}
	if g := Goid(); holder != g {
		panic(fmt.Sprintf("mutex is held by goroutine %d, not by the caller (goroutine %d)", holder, g))
	}
}

func (m *Mutex) acquired() {
	if ChecksEnabled() {
		m.holder.Store(Goid())
	}
}
