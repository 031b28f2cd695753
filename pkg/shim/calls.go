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
	"errors"

	"golang.org/x/sys/unix"

	"seclos.dev/seclos/pkg/log"
)

// Call numbers understood by the default handler. The integer encoding
// exists only at the cross-boundary ABI; everything behind the handler is
// typed.
const (
	// CallRegisterLibrary registers a loaded library: arg1 is a pointer to
	// a NUL-terminated name, arg2 is the load address.
	CallRegisterLibrary int32 = 1

	// CallRunTest runs a named test hook: arg1 is a pointer to the
	// NUL-terminated test name, arg2 is unused.
	CallRunTest int32 = 2
)

// LibraryRegistrar records libraries loaded into the protected environment.
type LibraryRegistrar interface {
	Register(name string, loadAddr uintptr) error
}

// TestRunner runs a named in-runtime test hook.
type TestRunner interface {
	Run(name string) error
}

// Handler is the default generic call handler. Unknown call numbers are a
// hard error here, not a no-op: a patched binary emitting numbers we do not
// know is mismatched with this runtime.
type Handler struct {
	// Libraries backs CallRegisterLibrary.
	Libraries LibraryRegistrar

	// Tests backs CallRunTest.
	Tests TestRunner

	// ReadString reads a NUL-terminated string from protected memory.
	// Defaults to ReadCString.
	ReadString func(addr uintptr) (string, error)
}

// Handle implements CallHandlerFunc.
func (h *Handler) Handle(t *Thread, number int32, arg1, arg2 uint64) int64 {
	switch number {
	case CallRegisterLibrary:
		name, err := h.readString(uintptr(arg1))
		if err != nil {
			return errnoResult(err)
		}
		log.Debugf("thread %d: register library %q at %#x", t.ID(), name, uintptr(arg2))
		return errnoResult(h.Libraries.Register(name, uintptr(arg2)))
	case CallRunTest:
		name, err := h.readString(uintptr(arg1))
		if err != nil {
			return errnoResult(err)
		}
		log.Infof("thread %d: run test %q", t.ID(), name)
		return errnoResult(h.Tests.Run(name))
	default:
		log.Warningf("thread %d: unknown call number %d", t.ID(), number)
		return -int64(unix.ENOSYS)
	}
}

func (h *Handler) readString(addr uintptr) (string, error) {
	if h.ReadString != nil {
		return h.ReadString(addr)
	}
	return ReadCString(addr)
}

// errnoResult flattens an error into the signed ABI result: 0 for success,
// a negative errno otherwise. Errors that do not carry an errno map to
// EINVAL; the boundary has no richer taxonomy by design.
func errnoResult(err error) int64 {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int64(errno)
	}
	return -int64(unix.EINVAL)
}
