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
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	manifestPath string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot a protected image from its manifest and report its layout"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot -manifest=<path>

Boots the runtime described by the manifest, activates the shadow map, and
prints the resulting memory layout and preloaded libraries.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.manifestPath, "manifest", "", "path to the image manifest")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if b.manifestPath == "" {
		return errorf("boot requires -manifest")
	}
	m, err := manifest.Load(b.manifestPath)
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

	fmt.Printf("arena: [%#x, %#x)\n", r.Shadow.Base(), r.Shadow.Limit())
	for _, lib := range r.Libraries.All() {
		fmt.Printf("preload: %#x %s\n", lib.LoadAddr, lib.Name)
	}
	if names := r.Tests.Names(); len(names) > 0 {
		fmt.Printf("selftests: %v\n", names)
	}
	return subcommands.ExitSuccess
}
