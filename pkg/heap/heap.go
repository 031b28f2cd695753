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

// Package heap is the runtime's own allocator for protected memory.
//
// There is no host sanitizer runtime underneath it, so the shadow map is
// its only safety net: the arena is poisoned as redzone when mapped, each
// allocation unpoisons exactly the bytes requested, and freed objects are
// poisoned and never reused. Any disagreement between the allocator's
// bookkeeping and the shadow map is fatal.
package heap

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"seclos.dev/seclos/pkg/log"
	"seclos.dev/seclos/pkg/shadow"
)

// RedzoneSize is the chunk-aligned padding kept poisoned before every
// object to catch adjacent out-of-bounds writes.
const RedzoneSize = 2 * shadow.Align

// Allocator carves objects out of a monitored arena. Objects are never
// reused after free; the arena only moves forward, which keeps
// use-after-free detection exact for the life of the process.
type Allocator struct {
	m     *shadow.Map
	base  uintptr
	limit uintptr

	mu sync.Mutex

	// next is the bump pointer.
	//
	// +checklocks:mu
	next uintptr

	// live maps object address to requested size.
	//
	// +checklocks:mu
	live map[uintptr]uintptr

	// pressure rate-limits arena exhaustion warnings.
	pressure log.Logger
}

// New creates an allocator over the arena [base, base+size), which must lie
// within the monitored range of m. The whole arena is poisoned as redzone
// up front, the way freshly mapped protected memory must be.
func New(m *shadow.Map, base, size uintptr) (*Allocator, error) {
	if base&(shadow.Align-1) != 0 {
		return nil, fmt.Errorf("arena base %#x is not chunk-aligned", base)
	}
	if size == 0 || size&(shadow.Align-1) != 0 {
		return nil, fmt.Errorf("arena size %#x is not a positive multiple of %d", size, shadow.Align)
	}
	if base < m.Base() || base+size > m.Limit() {
		return nil, fmt.Errorf("arena [%#x, %#x) outside monitored range [%#x, %#x)", base, base+size, m.Base(), m.Limit())
	}
	m.Poison(base, size, shadow.HeapLeftRedzone)
	return &Allocator{
		m:        m,
		base:     base,
		limit:    base + size,
		next:     base,
		live:     make(map[uintptr]uintptr),
		pressure: log.BasicRateLimitedLogger(10 * time.Second),
	}, nil
}

// Alloc allocates size bytes and returns the object address. The object is
// preceded by a poisoned redzone and unpoisoned to exactly size bytes, so
// an access one past the end lands on poison.
func (a *Allocator) Alloc(size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-size allocation: %w", unix.EINVAL)
	}
	rounded := (size + shadow.Align - 1) &^ (shadow.Align - 1)

	a.mu.Lock()
	defer a.mu.Unlock()
	if RedzoneSize+rounded > a.limit-a.next {
		a.pressure.Warningf("arena exhausted: %d bytes requested, %d remain", size, a.limit-a.next)
		return 0, fmt.Errorf("allocating %d bytes: %w", size, unix.ENOMEM)
	}
	addr := a.next + RedzoneSize

	// The region handed out must still be poisoned; anything else means a
	// stray unpoison corrupted the arena.
	if ok, bad, _ := a.m.CheckRange(addr, rounded); ok || bad != addr {
		shadow.Fatalf("allocating %#x: region not uniformly poisoned (accessible at %#x)", addr, bad)
	}
	a.m.Unpoison(addr, size)
	a.live[addr] = size
	a.next = addr + rounded
	return addr, nil
}

// Free releases the object at addr. The object's memory is poisoned as
// freed and never handed out again. Freeing an address the allocator does
// not know, or whose shadow state disagrees with the bookkeeping, is fatal.
func (a *Allocator) Free(addr uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.live[addr]
	if !ok {
		if okRange, _, diag := a.m.CheckRange(addr, 1); !okRange && diag == shadow.HeapAfterFree {
			shadow.Fatalf("double free of %#x", addr)
		}
		shadow.Fatalf("free of unknown pointer %#x", addr)
	}
	if okRange, bad, diag := a.m.CheckRange(addr, size); !okRange {
		shadow.Fatalf("freeing %#x: live object unexpectedly poisoned at %#x (diag %#x)", addr, bad, diag)
	}
	delete(a.live, addr)
	a.m.Poison(addr, size, shadow.HeapAfterFree)
}

// LiveBytes returns the total requested bytes currently allocated.
func (a *Allocator) LiveBytes() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uintptr
	for _, size := range a.live {
		total += size
	}
	return total
}

// Release unpoisons the whole arena before the underlying mapping is
// returned to the host, so uninstrumented reuse of the address space is not
// falsely rejected later. The allocator must not be used afterwards.
func (a *Allocator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m.Unpoison(a.base, a.limit-a.base)
	a.live = nil
	a.next = a.limit
}
