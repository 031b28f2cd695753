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

package shadow

// Poison marks [addr, addr+size) forbidden with the given diagnostic value.
// addr must be chunk-aligned; size is rounded up to the chunk granularity.
// value must have the high bit set.
func (m *Map) Poison(addr, size uintptr, value byte) {
	if addr&Mask != 0 {
		Fatalf("poison of unaligned address %#x", addr)
	}
	if value&forbidden == 0 {
		Fatalf("poison value %#x does not have the high bit set", value)
	}
	size = (size + Mask) &^ Mask
	if !m.covers(addr, size) {
		Fatalf("poison of [%#x, %#x) outside monitored range [%#x, %#x)", addr, addr+size, m.base, m.limit)
	}
	lo := m.shadow(addr)
	for i := lo; i < lo+size>>Shift; i++ {
		m.bytes[i] = value
	}
}

// Unpoison marks [addr, addr+size) accessible. addr must be chunk-aligned,
// but size is taken exactly: a size that is not a multiple of the chunk
// granularity leaves a final partial shadow byte recording how many leading
// bytes of the last chunk are accessible. This lets the allocator unpoison
// precisely what was requested, keeping the tail of the last chunk poisoned.
func (m *Map) Unpoison(addr, size uintptr) {
	if addr&Mask != 0 {
		Fatalf("unpoison of unaligned address %#x", addr)
	}
	if size == 0 {
		return
	}
	rounded := (size + Mask) &^ Mask
	if !m.covers(addr, rounded) {
		Fatalf("unpoison of [%#x, %#x) outside monitored range [%#x, %#x)", addr, addr+size, m.base, m.limit)
	}
	lo := m.shadow(addr)
	for i := lo; i < lo+size>>Shift; i++ {
		m.bytes[i] = 0
	}
	if tail := byte(size & Mask); tail != 0 {
		m.bytes[lo+size>>Shift] = tail
	}
}

// SetShadow sets a run of shadow bytes directly. addr and size are in
// shadow-address terms, i.e. addr is a shadow byte address obtained via
// MemToShadow and size counts shadow bytes. Unlike Poison/Unpoison this
// never computes partial counts; the caller must know the covered region is
// chunk-aligned and uniform.
func (m *Map) SetShadow(addr, size uintptr, value byte) {
	lo := MemToShadow(m.base)
	if addr < lo || addr+size > lo+uintptr(len(m.bytes)) {
		Fatalf("shadow run [%#x, %#x) outside shadow range [%#x, %#x)", addr, addr+size, lo, lo+uintptr(len(m.bytes)))
	}
	for i := addr - lo; i < addr-lo+size; i++ {
		m.bytes[i] = value
	}
}

// The bulk setters below mirror the instrumentation callback surface: one
// well-known value each, addressed in shadow terms.

// SetShadow00 marks a run of chunks fully accessible.
func (m *Map) SetShadow00(addr, size uintptr) { m.SetShadow(addr, size, 0) }

// SetShadowF1 marks a run of chunks as stack left redzone.
func (m *Map) SetShadowF1(addr, size uintptr) { m.SetShadow(addr, size, StackLeftRedzone) }

// SetShadowF2 marks a run of chunks as stack mid redzone.
func (m *Map) SetShadowF2(addr, size uintptr) { m.SetShadow(addr, size, StackMidRedzone) }

// SetShadowF3 marks a run of chunks as stack right redzone.
func (m *Map) SetShadowF3(addr, size uintptr) { m.SetShadow(addr, size, StackRightRedzone) }

// SetShadowF5 marks a run of chunks as stack-after-return.
func (m *Map) SetShadowF5(addr, size uintptr) { m.SetShadow(addr, size, StackAfterReturn) }

// SetShadowF8 marks a run of chunks as stack-after-scope.
func (m *Map) SetShadowF8(addr, size uintptr) { m.SetShadow(addr, size, StackAfterScope) }

// Poison poisons a region of the process shadow map. It is a no-op if no
// map is installed (instrumentation inactive).
func Poison(addr, size uintptr, value byte) {
	if m := Current(); m != nil {
		m.Poison(addr, size, value)
	}
}

// Unpoison unpoisons a region of the process shadow map. It is a no-op if
// no map is installed.
func Unpoison(addr, size uintptr) {
	if m := Current(); m != nil {
		m.Unpoison(addr, size)
	}
}
