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
	"context"
	"sync"
	"sync/atomic"
)

const gateClosed = 1 << 31

// Gate is a synchronization primitive that allows concurrent goroutines to
// "enter" it as long as it hasn't been closed yet. Once it's been closed,
// goroutines cannot enter it anymore, but are allowed to leave, and the closer
// will be informed when all goroutines have left.
//
// Task runners use a Gate around every posted task: posting enters, the task
// leaves once it has run (or been dropped), and shutdown closes the gate and
// waits for the tasks already in flight.
//
// Users:
//
//	if !g.Enter() {
//		// Gate is closed, we can't use the object.
//		return
//	}
//
//	// Do something with object.
//	[...]
//
//	g.Leave()
//
// Closer:
//
//	// Prevent new users from using the object, and wait for the existing
//	// ones to complete.
//	g.Close()
type Gate struct {
	userCount atomic.Uint32
	doneOnce  sync.Once
	done      chan struct{}
}

func (g *Gate) doneChan() chan struct{} {
	g.doneOnce.Do(func() {
		g.done = make(chan struct{})
	})
	return g.done
}

// Enter tries to enter the gate. It will succeed if it hasn't been closed yet,
// in which case the caller must eventually call Leave().
//
// This function is thread-safe.
func (g *Gate) Enter() bool {
	if g == nil {
		return false
	}
	for {
		v := g.userCount.Load()
		if v&gateClosed != 0 {
			return false
		}
		if g.userCount.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// Leave leaves the gate. This must only be called after a successful call to
// Enter(). If the gate has been closed and this is the last one inside the
// gate, it will notify the closer that the gate is done.
//
// This function is thread-safe.
func (g *Gate) Leave() {
	for {
		v := g.userCount.Load()
		if v&^gateClosed == 0 {
			panic("leaving a gate with zero usage count")
		}
		if g.userCount.CompareAndSwap(v, v-1) {
			if v == gateClosed+1 {
				close(g.doneChan())
			}
			return
		}
	}
}

// Close closes the gate for entering, and waits until all goroutines [that are
// currently inside the gate] leave before returning.
//
// Only one goroutine can call this function.
func (g *Gate) Close() {
	_ = g.CloseContext(context.Background())
}

// CloseContext is Close, but gives up waiting when ctx is done. The gate
// stays closed either way; only the wait is abandoned.
func (g *Gate) CloseContext(ctx context.Context) error {
	done := g.doneChan()
	for {
		v := g.userCount.Load()
		if v&gateClosed != 0 {
			panic("closing a gate twice")
		}
		if g.userCount.CompareAndSwap(v, v|gateClosed) {
			if v == 0 {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Inside returns the number of goroutines currently inside the gate. The
// value is inherently racy.
func (g *Gate) Inside() uint32 {
	return g.userCount.Load() &^ gateClosed
}
