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

// Package manifest describes a protected image: how much memory its runtime
// arena gets, which libraries are preloaded, and whether the runtime's
// self-tests are exposed over the call boundary.
//
// Manifests are TOML:
//
//	[memory]
//	base = 0x20000000   # preferred arena base, 0 = anywhere
//	arena_size = 0x100000
//
//	[[preload]]
//	name = "libc.so.6"
//	load_address = 0x7f0000000000
//
//	[selftest]
//	enabled = true
package manifest

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"seclos.dev/seclos/pkg/shadow"
)

// DefaultArenaSize is used when the manifest does not size the arena.
const DefaultArenaSize = 1 << 20

// Manifest is a parsed protected-image manifest.
type Manifest struct {
	Memory   Memory    `toml:"memory"`
	Preload  []Preload `toml:"preload"`
	Selftest Selftest  `toml:"selftest"`
}

// Memory configures the runtime arena.
type Memory struct {
	// Base is the preferred arena base address; 0 lets the host choose.
	Base uint64 `toml:"base"`

	// ArenaSize is the arena size in bytes.
	ArenaSize uint64 `toml:"arena_size"`
}

// Preload names a library mapped into the image before entry.
type Preload struct {
	Name        string `toml:"name"`
	LoadAddress uint64 `toml:"load_address"`
}

// Selftest controls whether run-test is honored.
type Selftest struct {
	Enabled bool `toml:"enabled"`
}

// Parse parses and validates a manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("manifest key %q is not recognized", undecoded[0].String())
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	var m Manifest
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, fmt.Errorf("loading manifest %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: manifest key %q is not recognized", path, undecoded[0].String())
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Memory.ArenaSize == 0 {
		m.Memory.ArenaSize = DefaultArenaSize
	}
	if m.Memory.ArenaSize%uint64(shadow.Align) != 0 {
		return fmt.Errorf("memory.arena_size %#x is not a multiple of %d", m.Memory.ArenaSize, shadow.Align)
	}
	if m.Memory.Base%uint64(shadow.Align) != 0 {
		return fmt.Errorf("memory.base %#x is not aligned to %d bytes", m.Memory.Base, shadow.Align)
	}
	seenNames := make(map[string]bool)
	seenAddrs := make(map[uint64]bool)
	for i, p := range m.Preload {
		if p.Name == "" {
			return fmt.Errorf("preload[%d].name is empty", i)
		}
		if seenNames[p.Name] {
			return fmt.Errorf("preload name %q appears twice", p.Name)
		}
		if seenAddrs[p.LoadAddress] {
			return fmt.Errorf("preload load_address %#x appears twice", p.LoadAddress)
		}
		seenNames[p.Name] = true
		seenAddrs[p.LoadAddress] = true
	}
	return nil
}
