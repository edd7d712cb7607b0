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

package sequence

import (
	"gobase.dev/gobase/pkg/sync"
)

// Checker verifies that a set of calls all happen on one sequence.
//
// A Checker binds lazily to the sequence of the first CalledOnValidSequence
// call after construction or Detach. The zero value is unbound.
type Checker struct {
	mu    sync.Mutex
	bound Token
}

// CalledOnValidSequence reports whether the caller runs on the sequence the
// checker is bound to, binding it first if it is unbound.
func (c *Checker) CalledOnValidSequence() bool {
	cur := Current()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bound.Valid() {
		c.bound = cur
		return true
	}
	return c.bound == cur
}

// Bound returns the sequence the checker is bound to, or the invalid token.
func (c *Checker) Bound() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}

// Detach unbinds the checker. The next CalledOnValidSequence binds it again.
func (c *Checker) Detach() {
	c.mu.Lock()
	c.bound = Token{}
	c.mu.Unlock()
}
