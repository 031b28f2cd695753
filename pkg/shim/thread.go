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
	"sync"
)

// Thread is a thread admitted into the protected environment. Its anchor is
// accessed only by the thread itself on the trampoline and dispatch paths,
// so those paths take no locks.
type Thread struct {
	tid    int32
	anchor Anchor
}

// ID returns the thread id.
func (t *Thread) ID() int32 { return t.tid }

// Anchor returns the thread's anchor block.
func (t *Thread) Anchor() *Anchor { return &t.anchor }

// ThreadSet tracks admitted threads and installs their control blocks.
type ThreadSet struct {
	// cb is the control block installed for every admitted thread.
	cb ControlBlock

	mu sync.Mutex

	// +checklocks:mu
	threads map[int32]*Thread
}

// NewThreadSet creates a ThreadSet installing cb at admission.
func NewThreadSet(cb ControlBlock) *ThreadSet {
	return &ThreadSet{
		cb:      cb,
		threads: make(map[int32]*Thread),
	}
}

// Admit admits a thread into the protected environment. Every thread must
// be admitted exactly once before running patched code; admitting the same
// thread twice is an error, since re-installing a live anchor would race
// with the thread's own lock-free slot reads.
func (s *ThreadSet) Admit(tid int32) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[tid]; ok {
		return nil, fmt.Errorf("thread %d already admitted", tid)
	}
	t := &Thread{tid: tid}
	t.anchor.install(s.cb)
	s.threads[tid] = t
	return t, nil
}

// Lookup returns the admitted thread with the given id, or nil.
func (s *ThreadSet) Lookup(tid int32) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[tid]
}

// Remove destroys the control block of an exiting thread.
func (s *ThreadSet) Remove(tid int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, tid)
}

// Len returns the number of admitted threads.
func (s *ThreadSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}
