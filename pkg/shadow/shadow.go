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

// Package shadow tracks, at sub-word granularity, which bytes of the
// protected address space are legally accessible.
//
// Each shadow byte covers one 8-byte chunk of monitored memory:
//
//   - 0 means the entire chunk is accessible.
//   - 1..7 means only the first N bytes of the chunk are accessible.
//   - A value with the high bit set (0x80..0xff) means the chunk is
//     forbidden, and the exact value diagnoses why.
//
// The Map is process-wide shared mutable state and is deliberately not
// locked. The allocator that drives poisoning already serializes transitions
// on a region against all other users of that region; a validator only ever
// needs a consistent view of the specific bytes one access touches. A race
// between a poison operation and an unrelated access is a bug in the caller,
// not something this layer defends against.
package shadow

import (
	"fmt"

	"seclos.dev/seclos/pkg/memutil"
)

// Parameters of the shadow region. The base is deliberately not a power of
// two: some compilers turn the add in the mem-to-shadow conversion into a
// bitwise OR for power-of-two bases, which breaks the mapping for low
// addresses. It is also high enough that a maximal monitored range cannot
// overlap the shadow region itself.
const (
	// Start is the base address of the shadow region (1.5 TB).
	Start uintptr = 0x18000000000

	// Shift converts a monitored address to a shadow offset.
	Shift = 3

	// Length is the span of the shadow region (covers 2^44 bytes).
	Length uintptr = 1 << 44

	// Align is the chunk granularity: monitored bytes per shadow byte.
	Align uintptr = 1 << Shift

	// Mask extracts the offset of an address within its chunk.
	Mask uintptr = Align - 1
)

// forbidden is the discriminator bit: set means the chunk is inaccessible
// and the shadow byte is a diagnostic code, clear means the low bits are a
// byte count (0 = whole chunk).
const forbidden byte = 0x80

// Diagnostic shadow values. All have the high bit set. The first two are
// written by the allocator; the rest are bulk-set values reserved for other
// subsystems poisoning their own regions.
const (
	// HeapLeftRedzone marks the padding placed before an allocation.
	HeapLeftRedzone byte = 0xfa

	// HeapAfterFree marks memory that has been freed.
	HeapAfterFree byte = 0xfd

	// StackLeftRedzone, StackMidRedzone and StackRightRedzone mark the
	// padding around stack objects.
	StackLeftRedzone  byte = 0xf1
	StackMidRedzone   byte = 0xf2
	StackRightRedzone byte = 0xf3

	// StackAfterReturn marks a frame whose function has returned.
	StackAfterReturn byte = 0xf5

	// StackAfterScope marks an object whose scope has ended.
	StackAfterScope byte = 0xf8
)

// MemToShadow translates a monitored address to its shadow byte address.
func MemToShadow(addr uintptr) uintptr {
	return (addr >> Shift) + Start
}

// ShadowToMem translates a shadow byte address back to the chunk-aligned
// base of the monitored memory it covers.
func ShadowToMem(addr uintptr) uintptr {
	return (addr - Start) << Shift
}

// Map is the shadow map for a monitored address range.
//
// There is at most one Map per process (see Install); tests may construct
// private instances over slice backing.
type Map struct {
	// base and limit delimit the monitored range. base is chunk-aligned.
	base  uintptr
	limit uintptr

	// bytes holds one shadow byte per chunk of [base, limit). For an
	// mmap-backed Map this is a view of the reserved shadow region.
	bytes []byte

	// mapped is true if bytes must be released with munmap.
	mapped bool
}

// Reserve creates a Map over [base, base+size) with mmap-backed shadow
// storage. The reservation is lazy (MAP_NORESERVE), so covering a large
// monitored range does not commit memory until chunks are actually
// poisoned.
func Reserve(base, size uintptr) (*Map, error) {
	m, err := newMap(base, size)
	if err != nil {
		return nil, err
	}
	b, err := memutil.MapSlice(size >> Shift)
	if err != nil {
		return nil, fmt.Errorf("reserving %d shadow bytes: %w", size>>Shift, err)
	}
	m.bytes = b
	m.mapped = true
	return m, nil
}

// NewMap creates a Map over [base, base+size) with slice backing. It is
// intended for tests and for embedders that cannot mmap.
func NewMap(base, size uintptr) (*Map, error) {
	m, err := newMap(base, size)
	if err != nil {
		return nil, err
	}
	m.bytes = make([]byte, size>>Shift)
	return m, nil
}

func newMap(base, size uintptr) (*Map, error) {
	if base&Mask != 0 {
		return nil, fmt.Errorf("monitored base %#x is not aligned to %d bytes", base, Align)
	}
	if size == 0 || size&Mask != 0 {
		return nil, fmt.Errorf("monitored size %#x is not a positive multiple of %d", size, Align)
	}
	if size>>Shift > Length {
		return nil, fmt.Errorf("monitored size %#x exceeds the shadow region span", size)
	}
	return &Map{base: base, limit: base + size}, nil
}

// Release returns the shadow storage to the host. The Map must not be used
// afterwards.
func (m *Map) Release() error {
	if !m.mapped {
		m.bytes = nil
		return nil
	}
	m.mapped = false
	b := m.bytes
	m.bytes = nil
	return memutil.UnmapSlice(b)
}

// Base returns the base of the monitored range.
func (m *Map) Base() uintptr { return m.base }

// Limit returns the first address past the monitored range.
func (m *Map) Limit() uintptr { return m.limit }

// covers reports whether [addr, addr+size) lies inside the monitored range.
// addr is screened against the limit before the subtraction so an address
// past the limit cannot wrap the remaining-space computation.
func (m *Map) covers(addr, size uintptr) bool {
	return addr >= m.base && addr <= m.limit && size <= m.limit-addr
}

// shadow returns the shadow byte index for addr. addr must be within the
// monitored range.
func (m *Map) shadow(addr uintptr) uintptr {
	return (addr - m.base) >> Shift
}

// chunkState reports the state of the chunk containing addr: how many of
// its leading bytes are accessible (8 for a clear byte), and the diagnostic
// value if it is forbidden.
func (m *Map) chunkState(addr uintptr) (accessible uintptr, diag byte) {
	s := m.bytes[m.shadow(addr)]
	switch {
	case s == 0:
		return Align, 0
	case s&forbidden != 0:
		return 0, s
	default:
		return uintptr(s), 0
	}
}
