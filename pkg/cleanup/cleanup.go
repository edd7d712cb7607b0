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

// Package cleanup provides utilities to clean "stuff" on defers.
package cleanup

import (
	"gobase.dev/gobase/pkg/callback"
)

// Cleanup allows defers to be aborted when cleanup needs to happen
// conditionally. Usage:
//
//	cu := cleanup.Make(callback.BindOnce(func() { f.Close() }))
//	defer cu.Clean() // failure before release is called will close the file.
//	...
//	cu.Add(callback.BindOnce(func() { f2.Close() })) // Adds another cleanup function
//	...
//	cu.Release() // on success, aborts closing the file.
//	return f
type Cleanup struct {
	cleaners closures
}

// Make creates a new Cleanup object.
func Make(c callback.OnceClosure) Cleanup {
	cu := Cleanup{}
	cu.Add(c)
	return cu
}

// MakeFunc is Make for a plain function.
func MakeFunc(f func()) Cleanup {
	return Make(callback.BindOnce(f))
}

// Add adds a new function to be called on Clean(). Null closures are
// ignored.
func (c *Cleanup) Add(f callback.OnceClosure) {
	if f.IsNull() {
		return
	}
	c.cleaners = append(c.cleaners, f)
}

// Clean calls all cleanup functions in reverse order.
func (c *Cleanup) Clean() {
	c.cleaners.run()
}

// Release releases the cleanup from its duties, i.e. cleanup functions are
// not called after this point. Returns a closure that calls all registered
// functions in case the caller has use for them. Dropping that closure with
// Reset discards the functions without running them.
func (c *Cleanup) Release() callback.OnceClosure {
	cs := c.cleaners
	c.cleaners = nil
	return callback.BindOnce1(runOwned, callback.Owned(&cs))
}

func runOwned(o callback.OwnedValue[*closures]) {
	o.Get().run()
}

// closures is a list of cleanup functions, run last to first.
type closures []callback.OnceClosure

func (cs *closures) run() {
	for i := len(*cs) - 1; i >= 0; i-- {
		(*cs)[i].Run()
	}
	*cs = nil
}

// Close implements io.Closer. It drops every function without running it.
func (cs *closures) Close() error {
	for i := range *cs {
		(*cs)[i].Reset()
	}
	*cs = nil
	return nil
}
