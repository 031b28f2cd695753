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

// Package boot brings the protected runtime up from a manifest: map the
// arena, reserve its shadow, start the instrumented allocator, install the
// call boundary, and record the preloaded libraries.
package boot

import (
	"fmt"

	"golang.org/x/sys/unix"

	"seclos.dev/seclos/pkg/heap"
	"seclos.dev/seclos/pkg/libs"
	"seclos.dev/seclos/pkg/log"
	"seclos.dev/seclos/pkg/manifest"
	"seclos.dev/seclos/pkg/memutil"
	"seclos.dev/seclos/pkg/selftest"
	"seclos.dev/seclos/pkg/shadow"
	"seclos.dev/seclos/pkg/shim"
)

// Runtime is a booted protected environment.
type Runtime struct {
	// Shadow covers the arena.
	Shadow *shadow.Map

	// Heap is the runtime allocator carving the arena.
	Heap *heap.Allocator

	// Libraries is the register-library registry.
	Libraries *libs.Registry

	// Tests is the run-test hook runner.
	Tests *selftest.Runner

	// Threads admits threads and installs their control blocks.
	Threads *shim.ThreadSet

	arenaBase uintptr
	arenaSize uintptr
}

// New boots a runtime from the given manifest. The arena is real, mapped
// memory, so call arguments (library names, test names) can live inside the
// protected range and cross the boundary as addresses.
func New(m *manifest.Manifest) (*Runtime, error) {
	size := uintptr(m.Memory.ArenaSize)
	base, err := memutil.MapFile(uintptr(m.Memory.Base), size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE, ^uintptr(0), 0)
	if err != nil {
		return nil, fmt.Errorf("mapping %d-byte arena: %w", size, err)
	}

	sm, err := shadow.Reserve(base, size)
	if err != nil {
		memutil.Unmap(base, size)
		return nil, err
	}
	h, err := heap.New(sm, base, size)
	if err != nil {
		sm.Release()
		memutil.Unmap(base, size)
		return nil, err
	}

	r := &Runtime{
		Shadow:    sm,
		Heap:      h,
		Libraries: libs.NewRegistry(),
		Tests:     selftest.NewRunner(),
		arenaBase: base,
		arenaSize: size,
	}

	handler := &shim.Handler{
		Libraries: r.Libraries,
		Tests:     r.Tests,
	}
	if !m.Selftest.Enabled {
		handler.Tests = disabledTests{}
	}
	r.Threads = shim.NewThreadSet(shim.ControlBlock{
		TrampolineTarget: shim.RegisterTrampolineTarget(r.syscallReturn),
		CallHandler:      shim.RegisterCallHandler(handler.Handle),
	})

	for _, p := range m.Preload {
		if err := r.Libraries.Register(p.Name, uintptr(p.LoadAddress)); err != nil {
			r.Close()
			return nil, fmt.Errorf("preloading %q: %w", p.Name, err)
		}
	}
	if m.Selftest.Enabled {
		r.registerSelftests()
	}

	log.Infof("runtime up: arena [%#x, %#x), %d preloaded libraries", base, base+size, len(m.Preload))
	return r, nil
}

// Activate installs the runtime's shadow map as the process-wide map
// consulted by the inlined access checks. It can succeed for only one
// Runtime per process.
func (r *Runtime) Activate() error {
	return shadow.Install(r.Shadow)
}

// Admit admits a thread into the runtime.
func (r *Runtime) Admit(tid int32) (*shim.Thread, error) {
	return r.Threads.Admit(tid)
}

// Close releases the arena and its shadow.
func (r *Runtime) Close() {
	r.Heap.Release()
	r.Shadow.Release()
	memutil.Unmap(r.arenaBase, r.arenaSize)
}

// syscallReturn is the trampoline target. The syscall emulation table
// itself lives above this layer; the boundary's job ends with resuming the
// caller at the preserved address.
func (r *Runtime) syscallReturn(t *shim.Thread, resume uintptr) uintptr {
	log.Debugf("thread %d: trampoline entry, resuming at %#x", t.ID(), resume)
	return resume
}

// disabledTests rejects run-test when the manifest does not expose it.
type disabledTests struct{}

func (disabledTests) Run(name string) error {
	return fmt.Errorf("selftest disabled by manifest: %w", unix.EPERM)
}

// registerSelftests installs hooks that exercise the runtime's own memory
// machinery from the inside.
func (r *Runtime) registerSelftests() {
	r.Tests.Register("heap-redzone", func() error {
		addr, err := r.Heap.Alloc(32)
		if err != nil {
			return err
		}
		defer r.Heap.Free(addr)
		if ok, _, diag := r.Shadow.CheckRange(addr-1, 1); ok || diag != shadow.HeapLeftRedzone {
			return fmt.Errorf("redzone byte before object: ok=%t diag=%#x", ok, diag)
		}
		return nil
	})
	r.Tests.Register("heap-after-free", func() error {
		addr, err := r.Heap.Alloc(64)
		if err != nil {
			return err
		}
		r.Heap.Free(addr)
		if ok, _, diag := r.Shadow.CheckRange(addr, 1); ok || diag != shadow.HeapAfterFree {
			return fmt.Errorf("freed object: ok=%t diag=%#x", ok, diag)
		}
		return nil
	})
	r.Tests.Register("shadow-partial", func() error {
		addr, err := r.Heap.Alloc(13)
		if err != nil {
			return err
		}
		defer r.Heap.Free(addr)
		if ok, _, _ := r.Shadow.CheckRange(addr+12, 1); !ok {
			return fmt.Errorf("last requested byte inaccessible")
		}
		if ok, _, _ := r.Shadow.CheckRange(addr+13, 1); ok {
			return fmt.Errorf("byte past requested size accessible")
		}
		return nil
	})
	r.Tests.Register("memops-roundtrip", func() error {
		src, err := r.Heap.Alloc(64)
		if err != nil {
			return err
		}
		defer r.Heap.Free(src)
		dst, err := r.Heap.Alloc(64)
		if err != nil {
			return err
		}
		defer r.Heap.Free(dst)
		shadow.Memset(src, 0x5a, 64)
		shadow.Memcpy(dst, src, 64)
		for i := uintptr(0); i < 64; i++ {
			b := memutil.ByteSlice(dst+i, 1)
			if b[0] != 0x5a {
				return fmt.Errorf("byte %d = %#x after copy, want 0x5a", i, b[0])
			}
		}
		return nil
	})
}
