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

package machine

import (
	"fmt"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sync"
)

// NumTLBEntries is the number of TLB slots.
const NumTLBEntries = 64

// EntryHi and EntryLo field layout.
const (
	// TLBHiVPage masks the virtual page bits of EntryHi.
	TLBHiVPage = 0xfffff000

	// TLBHiASID masks the address space identifier bits of EntryHi.
	TLBHiASID = 0x00000fc0

	// TLBHiASIDShift is the position of the ASID in EntryHi.
	TLBHiASIDShift = 6

	// TLBLoPFrame masks the physical frame bits of EntryLo.
	TLBLoPFrame = 0xfffff000

	// TLBLoDirty is the write enable bit of EntryLo.
	TLBLoDirty = 0x00000400

	// TLBLoValid marks an EntryLo as usable for translation.
	TLBLoValid = 0x00000200

	// MaxASID is the largest address space identifier.
	MaxASID = TLBHiASID >> TLBHiASIDShift
)

// MakeHi returns the EntryHi word mapping the page containing addr in address
// space asid.
func MakeHi(addr hostarch.Addr, asid uint32) uint32 {
	return uint32(addr)&TLBHiVPage | (asid<<TLBHiASIDShift)&TLBHiASID
}

// MakeLo returns the EntryLo word mapping frame.
func MakeLo(frame uint32, writable bool) uint32 {
	lo := hostarch.FrameAddr(frame)&TLBLoPFrame | TLBLoValid
	if writable {
		lo |= TLBLoDirty
	}
	return lo
}

// InvalidHi returns a distinct EntryHi for slot i that can never match a
// user address: it lies in the kernel segment.
func InvalidHi(i int) uint32 {
	return uint32(hostarch.KernelBase) + uint32(i)<<hostarch.PageShift
}

// InvalidLo is the EntryLo of an unused slot.
const InvalidLo = 0

// TLB is the simulated translation lookaside buffer.
//
// All methods except Lock and Unlock require the TLB to be locked. Holding
// the lock models running with interrupts disabled: the holder must not
// block.
type TLB struct {
	mu sync.SpinMutex
	hi [NumTLBEntries]uint32
	lo [NumTLBEntries]uint32
}

// NewTLB returns a TLB with every slot invalid.
func NewTLB() *TLB {
	t := &TLB{}
	for i := range t.hi {
		t.hi[i] = InvalidHi(i)
		t.lo[i] = InvalidLo
	}
	return t
}

// Lock disables "interrupts" for the TLB.
func (t *TLB) Lock() {
	t.mu.Lock()
}

// Unlock reenables "interrupts".
func (t *TLB) Unlock() {
	t.mu.Unlock()
}

func (t *TLB) assertLocked() {
	if !t.mu.Held() {
		panic("TLB accessed without being locked")
	}
}

// Read returns the words of slot i.
//
// Preconditions: t is locked. 0 <= i < NumTLBEntries.
func (t *TLB) Read(i int) (hi, lo uint32) {
	t.assertLocked()
	return t.hi[i], t.lo[i]
}

// Write sets the words of slot i.
//
// Preconditions: t is locked. 0 <= i < NumTLBEntries.
func (t *TLB) Write(i int, hi, lo uint32) {
	t.assertLocked()
	t.hi[i], t.lo[i] = hi, lo
}

// Probe returns the slot whose EntryHi equals hi, or -1.
//
// Preconditions: t is locked.
func (t *TLB) Probe(hi uint32) int {
	t.assertLocked()
	for i, h := range t.hi {
		if h == hi {
			return i
		}
	}
	return -1
}

// Translate translates addr in address space asid for an access of type at.
// On success it returns the physical address. Otherwise it returns the fault
// the hardware would raise.
//
// Preconditions: t is locked.
func (t *TLB) Translate(asid uint32, addr hostarch.Addr, at hostarch.AccessType) (uint32, hostarch.FaultKind, bool) {
	i := t.Probe(MakeHi(addr, asid))
	if i < 0 || t.lo[i]&TLBLoValid == 0 {
		return 0, at.MissFault(), false
	}
	lo := t.lo[i]
	if at.Write && lo&TLBLoDirty == 0 {
		return 0, hostarch.FaultReadOnly, false
	}
	return lo&TLBLoPFrame | addr.PageOffset(), 0, true
}

// Lookup returns the EntryLo mapping addr in asid with the lock taken
// internally, for tests and debugging output.
func (t *TLB) Lookup(asid uint32, addr hostarch.Addr) (uint32, bool) {
	t.Lock()
	defer t.Unlock()
	i := t.Probe(MakeHi(addr, asid))
	if i < 0 || t.lo[i]&TLBLoValid == 0 {
		return 0, false
	}
	return t.lo[i], true
}

// String implements fmt.Stringer.String.
func (t *TLB) String() string {
	t.Lock()
	defer t.Unlock()
	valid := 0
	for _, lo := range t.lo {
		if lo&TLBLoValid != 0 {
			valid++
		}
	}
	return fmt.Sprintf("TLB{%d/%d valid}", valid, NumTLBEntries)
}
