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
	"encoding/binary"
)

// ABI constants shared with patched application code. Changing either
// offset requires rebuilding both sides; they are the entire binary
// contract.
const (
	// TrampolineSlotOffset is the byte offset, from the thread anchor, of
	// the slot the trampoline jumps through.
	TrampolineSlotOffset = 24

	// CallHandlerSlotOffset is the byte offset, from the thread anchor, of
	// the generic call handler slot.
	CallHandlerSlotOffset = 32

	// AnchorSize is the size of the per-thread anchor block. Bytes outside
	// the two slots are runtime-private.
	AnchorSize = 64

	// ControlBlockVersion is the current layout version. It is recorded in
	// the runtime-private area of the anchor so a mismatched installation
	// can be caught at admission rather than at the first wild jump.
	ControlBlockVersion = 1
)

// ControlBlock describes the per-thread transfer table installed at thread
// admission: which entrypoints the two ABI slots transfer to.
type ControlBlock struct {
	// TrampolineTarget is installed in the slot at TrampolineSlotOffset.
	TrampolineTarget EntryToken

	// CallHandler is installed in the slot at CallHandlerSlotOffset.
	CallHandler EntryToken
}

// Anchor is the fixed-layout block reachable from a thread's anchor
// register in patched code. The raw offset arithmetic lives here and
// nowhere else.
type Anchor struct {
	bytes [AnchorSize]byte
}

// install writes cb into the anchor's slots.
func (a *Anchor) install(cb ControlBlock) {
	binary.LittleEndian.PutUint32(a.bytes[0:4], ControlBlockVersion)
	binary.LittleEndian.PutUint64(a.bytes[TrampolineSlotOffset:], uint64(cb.TrampolineTarget))
	binary.LittleEndian.PutUint64(a.bytes[CallHandlerSlotOffset:], uint64(cb.CallHandler))
}

// Version returns the layout version recorded at installation.
func (a *Anchor) Version() uint32 {
	return binary.LittleEndian.Uint32(a.bytes[0:4])
}

// TrampolineSlot returns the token in the trampoline slot.
func (a *Anchor) TrampolineSlot() EntryToken {
	return EntryToken(binary.LittleEndian.Uint64(a.bytes[TrampolineSlotOffset:]))
}

// CallHandlerSlot returns the token in the generic call handler slot.
func (a *Anchor) CallHandlerSlot() EntryToken {
	return EntryToken(binary.LittleEndian.Uint64(a.bytes[CallHandlerSlotOffset:]))
}

// CopyOut returns the anchor's raw bytes as patched code would see them
// mapped at the thread anchor.
func (a *Anchor) CopyOut() [AnchorSize]byte {
	return a.bytes
}
