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
	"testing"
)

const testBase uintptr = 0x10000

func testMap(t *testing.T, size uintptr) *Map {
	t.Helper()
	m, err := NewMap(testBase, size)
	if err != nil {
		t.Fatalf("NewMap(%#x, %#x): %v", testBase, size, err)
	}
	return m
}

// failViolation makes any violation fail the test.
func failViolation(t *testing.T) func() {
	t.Helper()
	return SetViolationHandlerForTesting(func(v Violation) {
		t.Helper()
		panic("unexpected violation: " + v.String())
	})
}

// catchViolation arranges for violations to be recorded and recovered. The
// returned pointer is filled with the first violation.
func catchViolation(t *testing.T) (*Violation, func()) {
	t.Helper()
	var got Violation
	restore := SetViolationHandlerForTesting(func(v Violation) {
		got = v
		panic(violationSentinel{})
	})
	return &got, restore
}

type violationSentinel struct{}

// expectViolation runs f and fails unless it triggers a violation.
func expectViolation(t *testing.T, f func()) (v Violation) {
	t.Helper()
	got, restore := catchViolation(t)
	defer restore()
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected a violation, got none")
		} else if _, ok := r.(violationSentinel); !ok {
			panic(r)
		}
		v = *got
	}()
	f()
	return
}

func TestTranslationBijection(t *testing.T) {
	for _, addr := range []uintptr{0, 8, 0x10000, 0x10007, 0x7fffffff, 1 << 40} {
		s := MemToShadow(addr)
		back := ShadowToMem(s)
		if want := addr &^ Mask; back != want {
			t.Errorf("ShadowToMem(MemToShadow(%#x)) = %#x, want chunk base %#x", addr, back, want)
		}
	}
}

func TestShadowStartNotPowerOfTwo(t *testing.T) {
	if Start&(Start-1) == 0 {
		t.Fatalf("shadow base %#x is a power of two; the mem-to-shadow add degrades to OR", Start)
	}
}

func TestNewMapValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		base uintptr
		size uintptr
	}{
		{"unaligned base", testBase + 1, 64},
		{"zero size", testBase, 0},
		{"unaligned size", testBase, 63},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewMap(tc.base, tc.size); err == nil {
				t.Errorf("NewMap(%#x, %#x) succeeded, want error", tc.base, tc.size)
			}
		})
	}
}

func TestPoisonRoundTrip(t *testing.T) {
	m := testMap(t, 256)
	defer failViolation(t)()

	m.Unpoison(testBase, 256)
	for off := uintptr(0); off < 256; off += 8 {
		if ok, bad, diag := m.CheckRange(testBase+off, 8); !ok {
			t.Fatalf("CheckRange(%#x, 8) rejected after unpoison: bad=%#x diag=%#x", testBase+off, bad, diag)
		}
	}

	m.Poison(testBase+64, 64, HeapAfterFree)
	for _, tc := range []struct {
		addr, size uintptr
		ok         bool
	}{
		{testBase, 64, true},
		{testBase + 64, 1, false},
		{testBase + 100, 8, false},
		{testBase + 127, 1, false},
		{testBase + 128, 8, true},
		{testBase + 60, 8, false}, // straddles into the poisoned region
	} {
		ok, _, diag := m.CheckRange(tc.addr, tc.size)
		if ok != tc.ok {
			t.Errorf("CheckRange(%#x, %d) = %t, want %t", tc.addr, tc.size, ok, tc.ok)
		}
		if !ok && diag != HeapAfterFree {
			t.Errorf("CheckRange(%#x, %d) diag = %#x, want %#x", tc.addr, tc.size, diag, HeapAfterFree)
		}
	}
}

func TestPoisonRoundsSizeUp(t *testing.T) {
	m := testMap(t, 64)
	defer failViolation(t)()

	m.Unpoison(testBase, 64)
	m.Poison(testBase, 1, HeapLeftRedzone)
	// The whole first chunk is covered by the rounded-up poison.
	if ok, _, _ := m.CheckRange(testBase+7, 1); ok {
		t.Errorf("byte 7 accessible, want poisoned by rounded-up poison")
	}
	if ok, _, _ := m.CheckRange(testBase+8, 1); !ok {
		t.Errorf("byte 8 inaccessible, want untouched by 1-byte poison")
	}
}

func TestPartialAccessibility(t *testing.T) {
	m := testMap(t, 64)
	n := uintptr(19) // 2 full chunks + 3 bytes
	m.Poison(testBase, 64, HeapLeftRedzone)
	m.Unpoison(testBase, n)

	if ok, _, _ := m.CheckRange(testBase+n-1, 1); !ok {
		t.Errorf("last unpoisoned byte %#x rejected", testBase+n-1)
	}
	if ok, _, diag := m.CheckRange(testBase+n, 1); ok {
		t.Errorf("first poisoned byte %#x approved", testBase+n)
	} else if diag != 3 {
		t.Errorf("tail diag = %#x, want partial count 3", diag)
	}
	// An access covering the partial boundary must reject too.
	if ok, _, _ := m.CheckRange(testBase+16, 8); ok {
		t.Errorf("access across partial tail approved")
	}
}

func TestUnpoisonExactSizeKeepsTailPoison(t *testing.T) {
	m := testMap(t, 32)
	m.Poison(testBase, 32, HeapAfterFree)
	m.Unpoison(testBase, 4)
	if ok, _, _ := m.CheckRange(testBase, 4); !ok {
		t.Errorf("unpoisoned prefix rejected")
	}
	if ok, _, _ := m.CheckRange(testBase, 5); ok {
		t.Errorf("access past exact unpoison size approved")
	}
}

func TestBulkSetShadow(t *testing.T) {
	m := testMap(t, 64)
	s := MemToShadow(testBase)

	m.SetShadowF5(s, 8)
	if ok, _, diag := m.CheckRange(testBase, 8); ok || diag != StackAfterReturn {
		t.Errorf("after SetShadowF5: ok=%t diag=%#x, want reject with %#x", ok, diag, StackAfterReturn)
	}
	m.SetShadow00(s, 8)
	if ok, _, _ := m.CheckRange(testBase, 64); !ok {
		t.Errorf("after SetShadow00: range rejected")
	}

	for _, tc := range []struct {
		set  func(addr, size uintptr)
		want byte
	}{
		{m.SetShadowF1, StackLeftRedzone},
		{m.SetShadowF2, StackMidRedzone},
		{m.SetShadowF3, StackRightRedzone},
		{m.SetShadowF8, StackAfterScope},
	} {
		tc.set(s, 1)
		if ok, _, diag := m.CheckRange(testBase, 1); ok || diag != tc.want {
			t.Errorf("bulk set: ok=%t diag=%#x, want reject with %#x", ok, diag, tc.want)
		}
	}
}

func TestPoisonPreconditions(t *testing.T) {
	m := testMap(t, 64)
	expectViolation(t, func() { m.Poison(testBase+1, 8, HeapAfterFree) })
	expectViolation(t, func() { m.Poison(testBase, 8, 0x01) })
	expectViolation(t, func() { m.Unpoison(testBase+3, 8) })
	expectViolation(t, func() { m.Poison(testBase, 128, HeapAfterFree) })
	// Regions entirely past the monitored limit are diagnosed, not indexed.
	expectViolation(t, func() { m.Poison(testBase+4096, 8, HeapAfterFree) })
	expectViolation(t, func() { m.Unpoison(testBase+4096, 8) })
}

func TestHandleNoReturn(t *testing.T) {
	m := testMap(t, 128)
	m.Poison(testBase, 128, StackMidRedzone)
	m.HandleNoReturn(testBase+40, testBase+128)

	if ok, _, _ := m.CheckRange(testBase+40, 88); !ok {
		t.Errorf("abandoned stack span still poisoned")
	}
	if ok, _, _ := m.CheckRange(testBase, 8); ok {
		t.Errorf("span below sp unexpectedly unpoisoned")
	}

	// A span past the monitored limit is ignored, not indexed.
	m.HandleNoReturn(testBase+4096, testBase+8192)
	if ok, _, _ := m.CheckRange(testBase, 8); ok {
		t.Errorf("out-of-range span cleared in-range shadow")
	}
}
