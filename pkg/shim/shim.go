// Copyright 2024 The Seclos Authors.
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

// Package shim implements the trust boundary between patched application
// code and the runtime: the per-thread control block, the trampoline that
// replaces raw privileged-transfer instructions, and the generic call
// dispatcher.
//
// Patched code and the runtime share exactly one binary contract: two
// entry slots at fixed byte offsets from the thread anchor. Everything else
// in this package is runtime-private and reached through named accessors.
package shim

import (
	"sync"
	"sync/atomic"
)

// EntryToken identifies a registered entrypoint. It is the runtime's
// stand-in for a code address: the value stored in a control block slot and
// resolved when a trampoline or dispatch jumps through that slot. Zero is
// never a valid token.
type EntryToken uint64

// TrampolineTarget receives control from a trampoline along with the resume
// address the trampoline preserved. It returns the address execution
// continues at; the trampoline's own frame is never returned through.
type TrampolineTarget func(t *Thread, resume uintptr) uintptr

// CallHandlerFunc receives a generic call: a small call number and two
// word-sized arguments. Negative results encode failure; the encoding of
// the magnitude is per-operation.
type CallHandlerFunc func(t *Thread, number int32, arg1, arg2 uint64) int64

// entries is the process-wide entrypoint table. Slots in control blocks
// hold tokens into this table. Registration happens at boot and is
// serialized by mu; resolution happens on every trampoline and dispatch,
// so the published maps are immutable and swapped atomically, keeping the
// per-thread hot path lock-free.
var entries struct {
	// mu serializes registration only.
	mu sync.Mutex

	// +checklocks:mu
	next EntryToken

	trampolines atomic.Pointer[map[EntryToken]TrampolineTarget]
	handlers    atomic.Pointer[map[EntryToken]CallHandlerFunc]
}

// RegisterTrampolineTarget registers fn as a trampoline entrypoint and
// returns its token.
func RegisterTrampolineTarget(fn TrampolineTarget) EntryToken {
	entries.mu.Lock()
	defer entries.mu.Unlock()
	tok := entries.next + 1
	entries.next = tok
	m := make(map[EntryToken]TrampolineTarget)
	if old := entries.trampolines.Load(); old != nil {
		for k, v := range *old {
			m[k] = v
		}
	}
	m[tok] = fn
	entries.trampolines.Store(&m)
	return tok
}

// RegisterCallHandler registers fn as a generic call handler and returns
// its token.
func RegisterCallHandler(fn CallHandlerFunc) EntryToken {
	entries.mu.Lock()
	defer entries.mu.Unlock()
	tok := entries.next + 1
	entries.next = tok
	m := make(map[EntryToken]CallHandlerFunc)
	if old := entries.handlers.Load(); old != nil {
		for k, v := range *old {
			m[k] = v
		}
	}
	m[tok] = fn
	entries.handlers.Store(&m)
	return tok
}

func trampolineTarget(tok EntryToken) (TrampolineTarget, bool) {
	m := entries.trampolines.Load()
	if m == nil {
		return nil, false
	}
	fn, ok := (*m)[tok]
	return fn, ok
}

func callHandler(tok EntryToken) (CallHandlerFunc, bool) {
	m := entries.handlers.Load()
	if m == nil {
		return nil, false
	}
	fn, ok := (*m)[tok]
	return fn, ok
}
