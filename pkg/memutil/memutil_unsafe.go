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

package memutil

import (
	"unsafe"
)

// MapSlice is like MapAnonymous, but returns a slice instead of a uintptr.
func MapSlice(size uintptr) ([]byte, error) {
	addr, err := MapAnonymous(size)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size)), nil
}

// UnmapSlice unmaps a mapping returned by MapSlice.
func UnmapSlice(slice []byte) error {
	ptr := unsafe.SliceData(slice)
	return Unmap(uintptr(unsafe.Pointer(ptr)), uintptr(cap(slice)))
}

// ByteSlice returns a byte view of the given address range. The caller is
// responsible for ensuring the range stays mapped for the lifetime of the
// returned slice.
func ByteSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}
