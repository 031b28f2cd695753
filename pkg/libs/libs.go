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

// Package libs tracks libraries loaded into the protected environment.
//
// Registrations arrive over the generic call boundary (register-library)
// and are consumed by diagnostics that need to attribute an address to the
// image mapped there, so the registry is indexed both by name and by load
// address.
package libs

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
)

// Library is a loaded library image.
type Library struct {
	// Name is the name the loader registered, e.g. "libc.so.6".
	Name string

	// LoadAddr is the base address the image was mapped at.
	LoadAddr uintptr
}

func byLoadAddr(a, b Library) bool {
	return a.LoadAddr < b.LoadAddr
}

// Registry is the set of registered libraries.
type Registry struct {
	mu sync.Mutex

	// +checklocks:mu
	byName map[string]Library

	// byAddr orders libraries by load address for containing-address
	// lookups.
	//
	// +checklocks:mu
	byAddr *btree.BTreeG[Library]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Library),
		byAddr: btree.NewG[Library](8, byLoadAddr),
	}
}

// Register records a library. Registering the same name twice is an error;
// re-registration would mean the loader's view and ours have diverged.
func (r *Registry) Register(name string, loadAddr uintptr) error {
	if name == "" {
		return fmt.Errorf("empty library name: %w", unix.EINVAL)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byName[name]; ok {
		return fmt.Errorf("library %q already registered at %#x: %w", name, old.LoadAddr, unix.EEXIST)
	}
	if old, ok := r.byAddr.Get(Library{LoadAddr: loadAddr}); ok {
		return fmt.Errorf("address %#x already holds %q: %w", loadAddr, old.Name, unix.EEXIST)
	}
	l := Library{Name: name, LoadAddr: loadAddr}
	r.byName[name] = l
	r.byAddr.ReplaceOrInsert(l)
	return nil
}

// LookupName returns the library registered under name.
func (r *Registry) LookupName(name string) (Library, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byName[name]
	return l, ok
}

// LookupAddr returns the registered library with the highest load address
// not above addr, i.e. the image a code address most plausibly belongs to.
func (r *Registry) LookupAddr(addr uintptr) (Library, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found Library
	var ok bool
	r.byAddr.DescendLessOrEqual(Library{LoadAddr: addr}, func(l Library) bool {
		found, ok = l, true
		return false
	})
	return found, ok
}

// All returns the registered libraries in load-address order.
func (r *Registry) All() []Library {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Library, 0, r.byAddr.Len())
	r.byAddr.Ascend(func(l Library) bool {
		out = append(out, l)
		return true
	})
	return out
}

// Len returns the number of registered libraries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}
