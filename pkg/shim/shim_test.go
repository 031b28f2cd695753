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
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"seclos.dev/seclos/pkg/shadow"
)

type fakeLibs struct {
	mu   sync.Mutex
	libs map[string]uintptr
}

func (f *fakeLibs) Register(name string, loadAddr uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.libs == nil {
		f.libs = make(map[string]uintptr)
	}
	if _, ok := f.libs[name]; ok {
		return fmt.Errorf("library %q: %w", name, unix.EEXIST)
	}
	f.libs[name] = loadAddr
	return nil
}

func (f *fakeLibs) lookup(name string) (uintptr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.libs[name]
	return addr, ok
}

type fakeTests struct {
	known map[string]error
	runs  []string
}

func (f *fakeTests) Run(name string) error {
	err, ok := f.known[name]
	if !ok {
		return fmt.Errorf("test %q: %w", name, unix.ENOENT)
	}
	f.runs = append(f.runs, name)
	return err
}

// testStrings maps fake boundary pointers to strings so handler tests need
// no live memory.
func testStrings(m map[uintptr]string) func(addr uintptr) (string, error) {
	return func(addr uintptr) (string, error) {
		s, ok := m[addr]
		if !ok {
			return "", fmt.Errorf("bad pointer %#x: %w", addr, unix.EFAULT)
		}
		return s, nil
	}
}

func newTestHandler(libs *fakeLibs, tests *fakeTests, strs map[uintptr]string) *Handler {
	return &Handler{
		Libraries:  libs,
		Tests:      tests,
		ReadString: testStrings(strs),
	}
}

func TestControlBlockABIOffsets(t *testing.T) {
	cb := ControlBlock{TrampolineTarget: 0x1122334455667788, CallHandler: 0x99aabbccddeeff00}
	var a Anchor
	a.install(cb)

	raw := a.CopyOut()
	if got := EntryToken(binary.LittleEndian.Uint64(raw[24:])); got != cb.TrampolineTarget {
		t.Errorf("byte offset 24 holds %#x, want trampoline target %#x", got, cb.TrampolineTarget)
	}
	if got := EntryToken(binary.LittleEndian.Uint64(raw[32:])); got != cb.CallHandler {
		t.Errorf("byte offset 32 holds %#x, want call handler %#x", got, cb.CallHandler)
	}
	if a.Version() != ControlBlockVersion {
		t.Errorf("anchor version = %d, want %d", a.Version(), ControlBlockVersion)
	}
}

func TestDispatchContract(t *testing.T) {
	libs := &fakeLibs{}
	tests := &fakeTests{known: map[string]error{"ok": nil}}
	strs := map[uintptr]string{
		0x1000: "libfoo.so",
		0x2000: "ok",
		0x3000: "no-such-test",
	}
	tok := RegisterCallHandler(newTestHandler(libs, tests, strs).Handle)
	ts := NewThreadSet(ControlBlock{CallHandler: tok})
	thr, err := ts.Admit(1)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	if res := Dispatch(thr, CallRegisterLibrary, 0x1000, 0x7f0000000000); res < 0 {
		t.Fatalf("Dispatch(register-library) = %d, want non-negative", res)
	}
	if addr, ok := libs.lookup("libfoo.so"); !ok || addr != 0x7f0000000000 {
		t.Errorf("library not visible after registration: %#x, %t", addr, ok)
	}
	// Duplicate registration surfaces the operation's own errno.
	if res := Dispatch(thr, CallRegisterLibrary, 0x1000, 0x7f0000000000); res != -int64(unix.EEXIST) {
		t.Errorf("duplicate register = %d, want %d", res, -int64(unix.EEXIST))
	}

	if res := Dispatch(thr, CallRunTest, 0x2000, 0); res != 0 {
		t.Errorf("Dispatch(run-test ok) = %d, want 0", res)
	}
	if res := Dispatch(thr, CallRunTest, 0x3000, 0); res >= 0 {
		t.Errorf("Dispatch(run-test unknown) = %d, want negative", res)
	}

	// Undefined call number: rejected by the handler, no side effects.
	before := len(libs.libs)
	if res := Dispatch(thr, 99, 0, 0); res != -int64(unix.ENOSYS) {
		t.Errorf("Dispatch(99) = %d, want %d", res, -int64(unix.ENOSYS))
	}
	if len(libs.libs) != before || len(tests.runs) != 1 {
		t.Errorf("undefined call number had side effects")
	}
}

func TestTrampolinePreservesResume(t *testing.T) {
	var gotResume uintptr
	tok := RegisterTrampolineTarget(func(thr *Thread, resume uintptr) uintptr {
		gotResume = resume
		return resume
	})
	ts := NewThreadSet(ControlBlock{TrampolineTarget: tok})
	thr, err := ts.Admit(7)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	const resume = uintptr(0x401234)
	if back := Trampoline(thr, resume); back != resume {
		t.Errorf("Trampoline resumed at %#x, want %#x", back, resume)
	}
	if gotResume != resume {
		t.Errorf("target saw resume %#x, want %#x", gotResume, resume)
	}
}

func TestAdmitExactlyOnce(t *testing.T) {
	ts := NewThreadSet(ControlBlock{})
	if _, err := ts.Admit(3); err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	if _, err := ts.Admit(3); err == nil {
		t.Fatalf("second Admit of same thread succeeded, want error")
	}
	ts.Remove(3)
	if ts.Lookup(3) != nil {
		t.Errorf("thread still visible after Remove")
	}
}

func TestStaleAnchorPanics(t *testing.T) {
	thr := &Thread{tid: 9} // never admitted, slots are zero
	defer func() {
		if recover() == nil {
			t.Errorf("dispatch through stale anchor did not panic")
		}
	}()
	Dispatch(thr, CallRunTest, 0, 0)
}

func TestConcurrentDispatchDistinctAnchors(t *testing.T) {
	// Each thread's control block routes to a handler reporting that
	// thread's own id; concurrent dispatch must never leak one thread's
	// slot state into another.
	ts := make([]*ThreadSet, 2)
	thrs := make([]*Thread, 2)
	for i := range ts {
		i := i
		tok := RegisterCallHandler(func(thr *Thread, number int32, arg1, arg2 uint64) int64 {
			return int64(i)<<32 | int64(thr.ID())
		})
		ts[i] = NewThreadSet(ControlBlock{CallHandler: tok})
		thr, err := ts[i].Admit(int32(100 + i))
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		thrs[i] = thr
	}
	if thrs[0].Anchor() == thrs[1].Anchor() {
		t.Fatalf("distinct threads share an anchor")
	}

	var g errgroup.Group
	for i := range thrs {
		i := i
		g.Go(func() error {
			want := int64(i)<<32 | int64(100+i)
			for n := 0; n < 10000; n++ {
				if got := Dispatch(thrs[i], CallRunTest, 0, 0); got != want {
					return fmt.Errorf("thread %d observed foreign slot state: got %#x, want %#x", 100+i, got, want)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRegistrationDuringDispatch(t *testing.T) {
	// Late registration must not disturb tokens already resolving on the
	// dispatch path: established threads keep dispatching while new
	// entrypoints are published.
	tok := RegisterCallHandler(func(thr *Thread, number int32, arg1, arg2 uint64) int64 {
		return 42
	})
	ts := NewThreadSet(ControlBlock{CallHandler: tok})
	thr, err := ts.Admit(200)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		for n := 0; n < 1000; n++ {
			if got := Dispatch(thr, CallRunTest, 0, 0); got != 42 {
				return fmt.Errorf("established token resolved to %d during registration, want 42", got)
			}
		}
		return nil
	})
	g.Go(func() error {
		for n := 0; n < 100; n++ {
			RegisterCallHandler(func(thr *Thread, number int32, arg1, arg2 uint64) int64 { return 0 })
			RegisterTrampolineTarget(func(thr *Thread, resume uintptr) uintptr { return resume })
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestReadCString(t *testing.T) {
	buf := make([]uint64, 8)
	base := uintptr(unsafe.Pointer(&buf[0]))
	m, err := shadow.NewMap(base, uintptr(len(buf)*8))
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	defer shadow.InstallForTesting(m)()

	b := unsafe.Slice((*byte)(unsafe.Pointer(base)), 16)
	copy(b, "hello\x00")
	s, err := ReadCString(base)
	if err != nil {
		t.Fatalf("ReadCString: %v", err)
	}
	if s != "hello" {
		t.Errorf("ReadCString = %q, want %q", s, "hello")
	}

	if _, err := ReadCString(0); err == nil {
		t.Errorf("ReadCString(0) succeeded, want EFAULT")
	}

	// Reading from freed memory trips the validator.
	m.Poison(base, 8, shadow.HeapAfterFree)
	var violated bool
	restore := shadow.SetViolationHandlerForTesting(func(v shadow.Violation) {
		violated = true
		panic("violation")
	})
	defer restore()
	func() {
		defer func() { recover() }()
		ReadCString(base)
	}()
	if !violated {
		t.Errorf("ReadCString on poisoned memory did not report a violation")
	}
	runtime.KeepAlive(buf)
}
