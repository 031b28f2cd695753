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

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"seclos.dev/seclos/pkg/boot"
	"seclos.dev/seclos/pkg/manifest"
	"seclos.dev/seclos/pkg/memutil"
	"seclos.dev/seclos/pkg/shim"
)

// RunTest implements subcommands.Command for the "run-test" command.
type RunTest struct {
	manifestPath string
}

// Name implements subcommands.Command.Name.
func (*RunTest) Name() string {
	return "run-test"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*RunTest) Synopsis() string {
	return "boot an image and run named self-tests through the call boundary"
}

// Usage implements subcommands.Command.Usage.
func (*RunTest) Usage() string {
	return `run-test -manifest=<path> <test-name>...

Boots the runtime, admits a thread, and dispatches each named test through
the generic call boundary exactly as a patched binary would, so the whole
trampoline/dispatch/validator stack is exercised, not just the hook.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (rt *RunTest) SetFlags(f *flag.FlagSet) {
	f.StringVar(&rt.manifestPath, "manifest", "", "path to the image manifest")
}

// Execute implements subcommands.Command.Execute.
func (rt *RunTest) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if rt.manifestPath == "" || f.NArg() == 0 {
		return errorf("run-test requires -manifest and at least one test name")
	}
	m, err := manifest.Load(rt.manifestPath)
	if err != nil {
		return errorf("%v", err)
	}
	r, err := boot.New(m)
	if err != nil {
		return errorf("booting: %v", err)
	}
	defer r.Close()
	if err := r.Activate(); err != nil {
		return errorf("activating shadow map: %v", err)
	}
	thr, err := r.Admit(1)
	if err != nil {
		return errorf("admitting thread: %v", err)
	}

	status := subcommands.ExitSuccess
	for _, name := range f.Args() {
		ptr, err := testNamePtr(r, name)
		if err != nil {
			return errorf("staging test name %q: %v", name, err)
		}
		if res := shim.Dispatch(thr, shim.CallRunTest, uint64(ptr), 0); res < 0 {
			fmt.Printf("FAIL %s (%d)\n", name, res)
			status = subcommands.ExitFailure
		} else {
			fmt.Printf("PASS %s\n", name)
		}
	}
	return status
}

// testNamePtr stages a test name inside the arena, since the boundary
// carries pointers into protected memory, not host strings.
func testNamePtr(r *boot.Runtime, name string) (uintptr, error) {
	addr, err := r.Heap.Alloc(uintptr(len(name) + 1))
	if err != nil {
		return 0, err
	}
	b := memutil.ByteSlice(addr, uintptr(len(name)+1))
	copy(b, name)
	b[len(name)] = 0
	return addr, nil
}
