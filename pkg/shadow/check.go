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

import (
	"fmt"
	"os"
	"sync/atomic"

	"seclos.dev/seclos/pkg/log"
)

// current is the process shadow map. Installed once at boot; checks that run
// before installation approve everything, matching an instrumented build
// running before its runtime is initialized.
var current atomic.Pointer[Map]

// Install makes m the process shadow map. It may be called at most once.
func Install(m *Map) error {
	if !current.CompareAndSwap(nil, m) {
		return fmt.Errorf("shadow map already installed")
	}
	return nil
}

// Current returns the process shadow map, or nil if none is installed.
func Current() *Map {
	return current.Load()
}

// InstallForTesting installs m unconditionally and returns a restore
// function.
func InstallForTesting(m *Map) func() {
	old := current.Swap(m)
	return func() { current.Store(old) }
}

// Violation describes a rejected access.
type Violation struct {
	// Addr is the first inaccessible byte the access would have touched.
	Addr uintptr

	// Size is the width of the access.
	Size uintptr

	// Write is true for stores.
	Write bool

	// Diag is the shadow byte that rejected the access. For a partially
	// accessible chunk this is the accessible-byte count, otherwise a
	// diagnostic code with the high bit set.
	Diag byte
}

// String implements fmt.Stringer.String.
func (v Violation) String() string {
	kind := "load"
	if v.Write {
		kind = "store"
	}
	return fmt.Sprintf("%d-byte %s touching %#x (shadow %#x = %#02x)", v.Size, kind, v.Addr, MemToShadow(v.Addr), v.Diag)
}

// violationHandler receives every rejected access. It must not return; a
// detected violation means the protected memory model is already
// compromised.
var violationHandler func(Violation) = defaultViolationHandler

func defaultViolationHandler(v Violation) {
	log.Warningf("fatal memory violation: %v", v)
	os.Exit(134)
}

// SetViolationHandlerForTesting replaces the violation handler and returns a
// restore function. The replacement must prevent the caller from continuing
// into the rejected access, e.g. by panicking.
func SetViolationHandlerForTesting(h func(Violation)) func() {
	old := violationHandler
	violationHandler = h
	return func() { violationHandler = old }
}

// Fatalf reports an internal inconsistency between a caller's bookkeeping
// and the shadow map, then aborts. There is no recovery path.
func Fatalf(format string, v ...any) {
	log.Warningf("fatal shadow inconsistency: "+format, v...)
	violationHandler(Violation{})
	// The handler must not return; if a test handler does anyway, stop here.
	panic("shadow: violation handler returned")
}

// CheckRange reports whether every byte of [addr, addr+size) is accessible.
// On rejection, bad is the first inaccessible byte the access covers and
// diag is the shadow byte that rejected it.
//
// An access spanning several chunks is approved only if each covered chunk
// approves its covered bytes; rejection is reported at the first offending
// chunk, regardless of the states of later chunks.
func (m *Map) CheckRange(addr, size uintptr) (ok bool, bad uintptr, diag byte) {
	if size == 0 || !m.covers(addr, size) {
		// Memory outside the monitored range is not ours to police.
		return true, 0, 0
	}
	end := addr + size
	for a := addr; a < end; {
		chunk := a &^ Mask
		accessible, d := m.chunkState(a)
		if need := min(end, chunk+Align) - chunk; need > accessible {
			if d == 0 {
				d = byte(accessible)
			}
			return false, max(a, chunk+accessible), d
		}
		a = chunk + Align
	}
	return true, 0, 0
}

func (m *Map) check(addr, size uintptr, write bool) {
	if ok, bad, diag := m.CheckRange(addr, size); !ok {
		violationHandler(Violation{Addr: bad, Size: size, Write: write, Diag: diag})
	}
}

func (m *Map) report(addr, size uintptr, write bool) {
	var diag byte
	if m.covers(addr, 1) {
		_, diag = m.chunkState(addr)
	}
	violationHandler(Violation{Addr: addr, Size: size, Write: write, Diag: diag})
}

func check(addr, size uintptr, write bool) {
	if m := Current(); m != nil {
		m.check(addr, size, write)
	}
}

func report(addr, size uintptr, write bool) {
	if m := Current(); m != nil {
		m.report(addr, size, write)
		return
	}
	violationHandler(Violation{Addr: addr, Size: size, Write: write})
}

// Per-width check pairs. The fixed widths exist so instrumented call sites
// need not pass a size; they all funnel into the same range check.

// CheckLoad1 validates a 1-byte load at addr.
func CheckLoad1(addr uintptr) { check(addr, 1, false) }

// CheckLoad2 validates a 2-byte load at addr.
func CheckLoad2(addr uintptr) { check(addr, 2, false) }

// CheckLoad4 validates a 4-byte load at addr.
func CheckLoad4(addr uintptr) { check(addr, 4, false) }

// CheckLoad8 validates an 8-byte load at addr.
func CheckLoad8(addr uintptr) { check(addr, 8, false) }

// CheckLoad16 validates a 16-byte load at addr.
func CheckLoad16(addr uintptr) { check(addr, 16, false) }

// CheckStore1 validates a 1-byte store at addr.
func CheckStore1(addr uintptr) { check(addr, 1, true) }

// CheckStore2 validates a 2-byte store at addr.
func CheckStore2(addr uintptr) { check(addr, 2, true) }

// CheckStore4 validates a 4-byte store at addr.
func CheckStore4(addr uintptr) { check(addr, 4, true) }

// CheckStore8 validates an 8-byte store at addr.
func CheckStore8(addr uintptr) { check(addr, 8, true) }

// CheckStore16 validates a 16-byte store at addr.
func CheckStore16(addr uintptr) { check(addr, 16, true) }

// CheckLoadN validates a load of any width at addr.
func CheckLoadN(addr, size uintptr) { check(addr, size, false) }

// CheckStoreN validates a store of any width at addr.
func CheckStoreN(addr, size uintptr) { check(addr, size, true) }

// Report-only variants. These skip the check and emit a violation
// unconditionally; they serve call sites that already know a fault occurred
// through another path (e.g. a hardware fault handler re-entering the
// validator for a rich diagnostic).

// ReportLoad1 reports an illegal 1-byte load at addr.
func ReportLoad1(addr uintptr) { report(addr, 1, false) }

// ReportLoad2 reports an illegal 2-byte load at addr.
func ReportLoad2(addr uintptr) { report(addr, 2, false) }

// ReportLoad4 reports an illegal 4-byte load at addr.
func ReportLoad4(addr uintptr) { report(addr, 4, false) }

// ReportLoad8 reports an illegal 8-byte load at addr.
func ReportLoad8(addr uintptr) { report(addr, 8, false) }

// ReportLoad16 reports an illegal 16-byte load at addr.
func ReportLoad16(addr uintptr) { report(addr, 16, false) }

// ReportStore1 reports an illegal 1-byte store at addr.
func ReportStore1(addr uintptr) { report(addr, 1, true) }

// ReportStore2 reports an illegal 2-byte store at addr.
func ReportStore2(addr uintptr) { report(addr, 2, true) }

// ReportStore4 reports an illegal 4-byte store at addr.
func ReportStore4(addr uintptr) { report(addr, 4, true) }

// ReportStore8 reports an illegal 8-byte store at addr.
func ReportStore8(addr uintptr) { report(addr, 8, true) }

// ReportStore16 reports an illegal 16-byte store at addr.
func ReportStore16(addr uintptr) { report(addr, 16, true) }

// ReportLoadN reports an illegal load of the given width at addr.
func ReportLoadN(addr, size uintptr) { report(addr, size, false) }

// ReportStoreN reports an illegal store of the given width at addr.
func ReportStoreN(addr, size uintptr) { report(addr, size, true) }

// HandleNoReturn clears the shadow for the stack span [sp, top). Ordinary
// frame poisoning assumes frames unwind one at a time; a non-returning
// transfer (long jump, thread exit) abandons the whole span at once and
// would otherwise leave stale stack poison behind.
func (m *Map) HandleNoReturn(sp, top uintptr) {
	if sp > top {
		Fatalf("no-return stack span [%#x, %#x) is inverted", sp, top)
	}
	lo := sp &^ Mask
	hi := (top + Mask) &^ Mask
	if lo == hi || !m.covers(lo, hi-lo) {
		return
	}
	for i := m.shadow(lo); i < m.shadow(hi-1)+1; i++ {
		m.bytes[i] = 0
	}
}

// HandleNoReturn applies Map.HandleNoReturn to the process shadow map.
func HandleNoReturn(sp, top uintptr) {
	if m := Current(); m != nil {
		m.HandleNoReturn(sp, top)
	}
}
