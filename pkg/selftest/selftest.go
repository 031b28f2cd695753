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

// Package selftest runs named test hooks inside the protected environment.
//
// The hooks back the run-test call number: regression binaries running
// under the runtime ask it to exercise its own machinery from the inside,
// where host tooling cannot reach.
package selftest

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"seclos.dev/seclos/pkg/log"
)

// Hook is a single in-runtime test. A nil return means the test passed.
type Hook func() error

// Runner is a registry of named hooks.
type Runner struct {
	mu sync.Mutex

	// +checklocks:mu
	hooks map[string]Hook
}

// NewRunner creates an empty Runner.
func NewRunner() *Runner {
	return &Runner{hooks: make(map[string]Hook)}
}

// Register adds a hook under the given name, replacing any previous one.
func (r *Runner) Register(name string, hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[name] = hook
}

// Names returns the registered hook names, sorted.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run runs the named hook. Unknown names are an error, not a no-op: the
// caller asked for a specific test and silence would read as a pass. A
// panicking hook is converted to a failure rather than taking down the
// runtime, since a failing self-test is a result, not a violation.
func (r *Runner) Run(name string) (err error) {
	r.mu.Lock()
	hook, ok := r.hooks[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown test %q: %w", name, unix.ENOENT)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("test %q panicked: %v", name, p)
		}
	}()
	log.Infof("selftest: running %q", name)
	if err := hook(); err != nil {
		return fmt.Errorf("test %q: %w", name, err)
	}
	return nil
}
