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

package shim

import (
	"fmt"
)

// Trampoline is the controlled transfer substituted for a raw privileged
// instruction in patched code: preserve the resume address, then jump
// indirectly through the anchor's trampoline slot. There is no return on
// the trampoline's own frame; the target resumes execution at the preserved
// address when the requested operation completes, and that address is
// returned here to the emulated instruction stream.
//
// Precondition: t was admitted via ThreadSet.Admit. A stale anchor is
// undefined behavior in the native ABI; here it panics.
func Trampoline(t *Thread, resume uintptr) uintptr {
	target, ok := trampolineTarget(t.Anchor().TrampolineSlot())
	if !ok {
		panic(fmt.Sprintf("thread %d: trampoline through stale anchor (slot %#x)", t.ID(), t.Anchor().TrampolineSlot()))
	}
	return target(t, resume)
}

// Dispatch forwards a generic call through the anchor's handler slot and
// returns the handler's signed result; negative values denote failure.
//
// Dispatch validates nothing, not even the call number: it must stay a pure
// forwarding mechanism so it can be trusted before the full runtime is
// initialized. Rejecting unknown numbers is the handler's job.
func Dispatch(t *Thread, number int32, arg1, arg2 uint64) int64 {
	handler, ok := callHandler(t.Anchor().CallHandlerSlot())
	if !ok {
		panic(fmt.Sprintf("thread %d: dispatch through stale anchor (slot %#x)", t.ID(), t.Anchor().CallHandlerSlot()))
	}
	return handler(t, number, arg1, arg2)
}
