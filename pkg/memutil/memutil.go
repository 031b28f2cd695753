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

// Package memutil provides utilities for mapping the protected address space
// and its shadow region.
package memutil

import (
	"golang.org/x/sys/unix"
)

// MapAnonymous maps an anonymous, private region of the given size and
// returns its base address. The region is reserved but not backed until
// touched (MAP_NORESERVE), which keeps a maximal shadow reservation cheap.
func MapAnonymous(size uintptr) (uintptr, error) {
	return MapFile(0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE, ^uintptr(0), 0)
}

// MapFile returns a memory mapping configured by the given options as per
// mmap(2).
func MapFile(addr, size, prot, flags, fd, offset uintptr) (uintptr, error) {
	m, _, e := unix.RawSyscall6(unix.SYS_MMAP, addr, size, prot, flags, fd, offset)
	if e != 0 {
		return 0, e
	}
	return m, nil
}

// Unmap unmaps the mapping at the given address as per munmap(2).
func Unmap(addr, size uintptr) error {
	if _, _, e := unix.RawSyscall6(unix.SYS_MUNMAP, addr, size, 0, 0, 0, 0); e != 0 {
		return e
	}
	return nil
}
