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
	"sync/atomic"

	"github.com/petermattis/goid"
)

// checksEnabled gates the debug-only invariant checks: Mutex.AssertHeld and
// the sequence affinity of non-atomic reference counts. They are off by
// default because they record goroutine identity on hot paths.
var checksEnabled atomic.Bool

// SetChecks turns debug-only invariant checks on or off.
func SetChecks(enabled bool) {
	checksEnabled.Store(enabled)
}

// ChecksEnabled returns whether debug-only invariant checks are on.
func ChecksEnabled() bool {
	return checksEnabled.Load()
}

// Goid returns the ID of the calling goroutine.
func Goid() uint64 {
	return uint64(goid.Get())
}
