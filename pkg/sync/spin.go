// Copyright 2026 The gVisor Authors.
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

package sync

import (
	"runtime"
	"sync/atomic"
)

// SpinMutex is a mutual exclusion lock that busy-waits instead of parking
// the calling goroutine.
//
// Critical sections guarded by a SpinMutex must be short and must never
// block: no sleeping locks, no I/O, no condition waits. Holders of a
// SpinMutex play the role of a kernel thread running with interrupts
// disabled.
//
// The zero value is an unlocked SpinMutex.
type SpinMutex struct {
	state atomic.Int32
	_     noCopy
}

// Lock locks m, spinning until it becomes available.
func (m *SpinMutex) Lock() {
	for i := 0; !m.TryLock(); i++ {
		if i%spinIterations == spinIterations-1 {
			Goyield()
		}
	}
}

// TryLock tries to lock m and reports whether it succeeded.
func (m *SpinMutex) TryLock() bool {
	return m.state.CompareAndSwap(0, 1)
}

// Unlock unlocks m.
//
// Preconditions: m is locked.
func (m *SpinMutex) Unlock() {
	if m.state.Swap(0) != 1 {
		panic("sync: unlock of unlocked SpinMutex")
	}
}

// Held reports whether m is currently locked by anyone. It is intended for
// assertions only.
func (m *SpinMutex) Held() bool {
	return m.state.Load() != 0
}

// spinIterations is the number of failed acquisitions between yields.
const spinIterations = 64

// Goyield gives up the processor so that other goroutines may run. The
// calling goroutine stays runnable.
func Goyield() {
	runtime.Gosched()
}

// noCopy may be embedded into structs which must not be copied after first
// use. It is recognized by go vet's copylocks checker.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock() {}

// Unlock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Unlock() {}
