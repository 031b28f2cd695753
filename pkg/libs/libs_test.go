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

package libs

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	for _, l := range []Library{
		{"libc.so.6", 0x7f0000000000},
		{"ld-linux.so.2", 0x7f0000200000},
		{"libpthread.so.0", 0x7f0000100000},
	} {
		if err := r.Register(l.Name, l.LoadAddr); err != nil {
			t.Fatalf("Register(%q): %v", l.Name, err)
		}
	}

	if l, ok := r.LookupName("libc.so.6"); !ok || l.LoadAddr != 0x7f0000000000 {
		t.Errorf("LookupName(libc.so.6) = %+v, %t", l, ok)
	}
	if _, ok := r.LookupName("libm.so.6"); ok {
		t.Errorf("LookupName of unregistered library succeeded")
	}

	want := []Library{
		{"libc.so.6", 0x7f0000000000},
		{"libpthread.so.0", 0x7f0000100000},
		{"ld-linux.so.2", 0x7f0000200000},
	}
	if diff := cmp.Diff(want, r.All()); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
}

func TestLookupAddr(t *testing.T) {
	r := NewRegistry()
	r.Register("low", 0x1000)
	r.Register("high", 0x9000)

	for _, tc := range []struct {
		addr uintptr
		want string
		ok   bool
	}{
		{0x0fff, "", false},
		{0x1000, "low", true},
		{0x8fff, "low", true},
		{0x9000, "high", true},
		{0xffff, "high", true},
	} {
		got, ok := r.LookupAddr(tc.addr)
		if ok != tc.ok || (ok && got.Name != tc.want) {
			t.Errorf("LookupAddr(%#x) = %q, %t; want %q, %t", tc.addr, got.Name, ok, tc.want, tc.ok)
		}
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("libfoo.so", 0x1000); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("libfoo.so", 0x2000); !errors.Is(err, unix.EEXIST) {
		t.Errorf("duplicate name: err = %v, want EEXIST", err)
	}
	if err := r.Register("libbar.so", 0x1000); !errors.Is(err, unix.EEXIST) {
		t.Errorf("duplicate address: err = %v, want EEXIST", err)
	}
	if err := r.Register("", 0x3000); !errors.Is(err, unix.EINVAL) {
		t.Errorf("empty name: err = %v, want EINVAL", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}
