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

// WaitGroupErr is a WaitGroup whose goroutines may fail. The first error
// reported wins; later ones are counted but dropped.
//
//	var wg WaitGroupErr
//	for _, obj := range objs {
//		wg.Go(func() error { return release(obj) })
//	}
//	return wg.Error()
type WaitGroupErr struct {
	WaitGroup

	// mu protects the fields below.
	mu Mutex

	// firstErr is the first error reported, nil if none.
	firstErr error

	// failures counts every reported error including the first.
	failures int
}

// Go runs f on a new goroutine inside the group and reports its error.
func (w *WaitGroupErr) Go(f func() error) {
	w.Add(1)
	go func() {
		defer w.Done()
		if err := f(); err != nil {
			w.ReportError(err)
		}
	}()
}

// ReportError records err. It does not call Done.
func (w *WaitGroupErr) ReportError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures++
	if w.firstErr == nil {
		w.firstErr = err
	}
}

// Error waits for the group and returns the first reported error.
func (w *WaitGroupErr) Error() error {
	w.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firstErr
}

// Failures waits for the group and returns how many errors were reported.
func (w *WaitGroupErr) Failures() int {
	w.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}
