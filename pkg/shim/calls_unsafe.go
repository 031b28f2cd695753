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

package shim

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"seclos.dev/seclos/pkg/shadow"
)

// maxCStringLen bounds names passed across the boundary. Gramine-style
// library names and test names are short; anything longer is a bad pointer
// until proven otherwise.
const maxCStringLen = 4096

// ReadCString reads a NUL-terminated string from protected memory,
// validating each byte against the shadow map before touching it.
func ReadCString(addr uintptr) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("nil string pointer: %w", unix.EFAULT)
	}
	var buf []byte
	for i := uintptr(0); i < maxCStringLen; i++ {
		shadow.CheckLoad1(addr + i)
		c := *(*byte)(unsafe.Pointer(addr + i))
		if c == 0 {
			return string(buf), nil
		}
		buf = append(buf, c)
	}
	return "", fmt.Errorf("unterminated string at %#x: %w", addr, unix.ENAMETOOLONG)
}
