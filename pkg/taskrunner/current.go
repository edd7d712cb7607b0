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

package taskrunner

import (
	"fmt"

	"gobase.dev/gobase/pkg/callback"
	"gobase.dev/gobase/pkg/cleanup"
	"gobase.dev/gobase/pkg/sequence"
	"gobase.dev/gobase/pkg/sync"
)

// handles maps sequence tokens to the runner that runs their tasks.
var handles sync.Map

// Register makes r the current runner of the sequence tok until the returned
// function is called. Runners register themselves for the sequences they
// run tasks on.
func Register(tok sequence.Token, r TaskRunner) (unregister func()) {
	if _, loaded := handles.LoadOrStore(tok, r); loaded {
		panic(fmt.Sprintf("sequence %v already has a task runner", tok))
	}
	return func() {
		handles.CompareAndDelete(tok, r)
	}
}

// SetCurrent makes r the current runner of the calling sequence until the
// returned function is called.
func SetCurrent(r TaskRunner) (restore func()) {
	return Register(sequence.Current(), r)
}

// HasCurrent returns whether the calling sequence has a current runner.
func HasCurrent() bool {
	_, ok := handles.Load(sequence.Current())
	return ok
}

// Current returns the runner of the calling sequence. It panics if there is
// none: the caller requires a sequenced context.
func Current() TaskRunner {
	r, ok := handles.Load(sequence.Current())
	if !ok {
		panic(fmt.Sprintf("no task runner for %v: the caller must run from a sequenced task runner", sequence.Current()))
	}
	return r.(TaskRunner)
}

// OverrideForTesting replaces the calling sequence's current runner with r
// until the returned cleanup is run. Overrides must be cleaned in LIFO order.
func OverrideForTesting(r TaskRunner) cleanup.Cleanup {
	tok := sequence.Current()
	prev, had := handles.Swap(tok, r)
	return cleanup.Make(callback.BindOnce(func() {
		if had {
			handles.Store(tok, prev)
		} else {
			handles.Delete(tok)
		}
	}))
}
