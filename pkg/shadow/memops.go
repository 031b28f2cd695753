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

// Sanitized bulk-memory primitives. The ordinary versions bypass the shadow
// check entirely, so every bulk copy or fill performed on monitored memory
// must go through these instead.

// Memcpy copies size bytes from src to dst after validating both ranges.
// Returns dst.
func Memcpy(dst, src, size uintptr) uintptr {
	CheckStoreN(dst, size)
	CheckLoadN(src, size)
	if size > 0 {
		copy(byteView(dst, size), byteView(src, size))
	}
	return dst
}

// Memmove is like Memcpy but tolerates overlapping ranges.
func Memmove(dst, src, size uintptr) uintptr {
	CheckStoreN(dst, size)
	CheckLoadN(src, size)
	if size > 0 {
		// copy is memmove-safe for overlapping views.
		copy(byteView(dst, size), byteView(src, size))
	}
	return dst
}

// Memset fills size bytes at addr with c after validating the range.
// Returns addr.
func Memset(addr uintptr, c byte, size uintptr) uintptr {
	CheckStoreN(addr, size)
	b := byteView(addr, size)
	for i := range b {
		b[i] = c
	}
	return addr
}
