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

// Package sequence identifies logical execution sequences.
//
// A sequence is a single-threaded execution context that is not necessarily
// a single goroutine: a sequenced task runner may run consecutive tasks on
// different goroutines, and all of them belong to the runner's sequence. Code
// that is not running inside such a task belongs to the implicit sequence of
// its goroutine.
package sequence

import (
	"fmt"

	"gobase.dev/gobase/pkg/atomicbitops"
	"gobase.dev/gobase/pkg/sync"
)

// goroutineBit marks tokens derived from a goroutine ID, keeping them
// disjoint from tokens allocated by NewToken.
const goroutineBit = 1 << 63

// Token identifies a sequence. The zero Token is invalid and belongs to no
// sequence.
type Token struct {
	id uint64
}

// Valid returns whether t identifies a sequence.
func (t Token) Valid() bool {
	return t.id != 0
}

// String implements fmt.Stringer.
func (t Token) String() string {
	switch {
	case t.id == 0:
		return "sequence(invalid)"
	case t.id&goroutineBit != 0:
		return fmt.Sprintf("goroutine(%d)", t.id&^goroutineBit)
	default:
		return fmt.Sprintf("sequence(%d)", t.id)
	}
}

var lastToken atomicbitops.Uint64

// NewToken returns a token for a new sequence, distinct from every other
// token handed out by this process.
func NewToken() Token {
	return Token{id: lastToken.Add(1)}
}

// overrides maps goroutine IDs to the token of the sequence they are
// currently running a task for.
var overrides sync.Map

// Current returns the token of the calling sequence.
func Current() Token {
	g := sync.Goid()
	if tok, ok := overrides.Load(g); ok {
		return tok.(Token)
	}
	return Token{id: g | goroutineBit}
}

// Set makes tok the calling goroutine's sequence until the returned restore
// function is called. Task runners call it around every task they run so
// that Current reports the runner's sequence.
//
// Calls nest; restore functions must be called in LIFO order on the same
// goroutine.
func Set(tok Token) (restore func()) {
	g := sync.Goid()
	prev, hadPrev := overrides.Load(g)
	overrides.Store(g, tok)
	return func() {
		if hadPrev {
			overrides.Store(g, prev)
		} else {
			overrides.Delete(g)
		}
	}
}

// Number is a thread-safe generator of increasing integers, starting at 0.
//
// The zero value is ready for use.
type Number struct {
	seq atomicbitops.Int64
}

// GetNext returns the next number in the sequence.
func (n *Number) GetNext() int64 {
	return n.seq.Add(1) - 1
}
