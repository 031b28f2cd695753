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

package heap

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"seclos.dev/seclos/pkg/shadow"
)

const arenaBase uintptr = 0x200000

func testAllocator(t *testing.T, size uintptr) (*shadow.Map, *Allocator) {
	t.Helper()
	m, err := shadow.NewMap(arenaBase, size)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	a, err := New(m, arenaBase, size)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, a
}

type fatalSentinel struct{}

// expectFatal runs f and fails unless it trips the shadow violation path.
func expectFatal(t *testing.T, f func()) {
	t.Helper()
	restore := shadow.SetViolationHandlerForTesting(func(shadow.Violation) {
		panic(fatalSentinel{})
	})
	defer restore()
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected fatal shadow inconsistency, got none")
		} else if _, ok := r.(fatalSentinel); !ok {
			panic(r)
		}
	}()
	f()
}

func TestAllocUnpoisonsExactSize(t *testing.T) {
	m, a := testAllocator(t, 4096)
	addr, err := a.Alloc(13)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr&(shadow.Align-1) != 0 {
		t.Errorf("object address %#x not chunk-aligned", addr)
	}
	if ok, _, _ := m.CheckRange(addr, 13); !ok {
		t.Errorf("allocated object not accessible")
	}
	// One past the end is still poisoned: the tail of the last chunk keeps
	// its partial count.
	if ok, _, _ := m.CheckRange(addr+13, 1); ok {
		t.Errorf("byte past allocation end accessible")
	}
}

func TestRedzoneBeforeObject(t *testing.T) {
	m, a := testAllocator(t, 4096)
	addr, err := a.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	ok, _, diag := m.CheckRange(addr-1, 1)
	if ok {
		t.Fatalf("redzone byte before object accessible")
	}
	if diag != shadow.HeapLeftRedzone {
		t.Errorf("redzone diag = %#x, want %#x", diag, shadow.HeapLeftRedzone)
	}
}

func TestFreePoisonsObject(t *testing.T) {
	m, a := testAllocator(t, 4096)
	addr, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	a.Free(addr)
	ok, _, diag := m.CheckRange(addr, 1)
	if ok {
		t.Fatalf("freed object still accessible")
	}
	if diag != shadow.HeapAfterFree {
		t.Errorf("freed diag = %#x, want %#x", diag, shadow.HeapAfterFree)
	}
	if a.LiveBytes() != 0 {
		t.Errorf("LiveBytes = %d after free, want 0", a.LiveBytes())
	}
}

func TestAllocationsDoNotOverlap(t *testing.T) {
	m, a := testAllocator(t, 4096)
	prevEnd := uintptr(0)
	for i := 0; i < 10; i++ {
		addr, err := a.Alloc(24)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		if prevEnd != 0 && addr < prevEnd+RedzoneSize {
			t.Errorf("allocation %d at %#x not separated from previous end %#x by a redzone", i, addr, prevEnd)
		}
		if ok, _, _ := m.CheckRange(addr, 24); !ok {
			t.Errorf("allocation %d not accessible", i)
		}
		prevEnd = addr + 24
	}
}

func TestDoubleFreeFatal(t *testing.T) {
	_, a := testAllocator(t, 4096)
	addr, err := a.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	a.Free(addr)
	expectFatal(t, func() { a.Free(addr) })
}

func TestWildFreeFatal(t *testing.T) {
	_, a := testAllocator(t, 4096)
	expectFatal(t, func() { a.Free(arenaBase + 512) })
}

func TestFreeOfCorruptedObjectFatal(t *testing.T) {
	m, a := testAllocator(t, 4096)
	addr, err := a.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	// Simulate a stray poison over the live object; Free must notice its
	// bookkeeping no longer matches the shadow map.
	m.Poison(addr, 8, shadow.StackAfterScope)
	expectFatal(t, func() { a.Free(addr) })
}

func TestArenaExhaustion(t *testing.T) {
	_, a := testAllocator(t, 256)
	if _, err := a.Alloc(1024); !errors.Is(err, unix.ENOMEM) {
		t.Errorf("oversized Alloc err = %v, want ENOMEM", err)
	}
	if _, err := a.Alloc(0); !errors.Is(err, unix.EINVAL) {
		t.Errorf("zero Alloc err = %v, want EINVAL", err)
	}
}

func TestReleaseUnpoisonsArena(t *testing.T) {
	m, a := testAllocator(t, 1024)
	if _, err := a.Alloc(100); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	a.Release()
	if ok, _, _ := m.CheckRange(arenaBase, 1024); !ok {
		t.Errorf("arena still poisoned after Release")
	}
}
