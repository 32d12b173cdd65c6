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

// Package tlb keeps the hardware TLB consistent with the page tables.
//
// Methods with a Locked suffix require the machine TLB to be locked by the
// caller; the others lock it themselves. The round-robin victim counter is
// protected by the same lock.
package tlb

import (
	"fmt"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sentry/machine"
	"gvisor.dev/pager/pkg/sentry/vmstats"
)

// Synchronizer edits the machine TLB on behalf of the pager.
type Synchronizer struct {
	hw    *machine.TLB
	stats *vmstats.Stats

	// next is the slot SelectVictimLocked returns next. It is protected by
	// the hw lock.
	next int
}

// New returns a Synchronizer for hw. stats may be nil.
func New(hw *machine.TLB, stats *vmstats.Stats) *Synchronizer {
	return &Synchronizer{hw: hw, stats: stats}
}

// Hardware returns the machine TLB.
func (s *Synchronizer) Hardware() *machine.TLB {
	return s.hw
}

// SelectVictimLocked returns the slot to overwrite when no slot is free,
// cycling through all slots in order.
//
// Preconditions: the machine TLB is locked.
func (s *Synchronizer) SelectVictimLocked() int {
	v := s.next
	s.next = (s.next + 1) % machine.NumTLBEntries
	return v
}

// InvalidateFrame drops any translation to frame.
func (s *Synchronizer) InvalidateFrame(frame uint32) {
	s.hw.Lock()
	defer s.hw.Unlock()
	s.InvalidateFrameLocked(frame)
}

// InvalidateFrameLocked drops any translation to frame and reports whether
// one existed. Each overwritten slot counts as one invalidation.
//
// Preconditions: the machine TLB is locked.
func (s *Synchronizer) InvalidateFrameLocked(frame uint32) bool {
	paddr := hostarch.FrameAddr(frame)
	found := false
	for i := 0; i < machine.NumTLBEntries; i++ {
		_, lo := s.hw.Read(i)
		if lo&machine.TLBLoValid == 0 || lo&machine.TLBLoPFrame != paddr {
			continue
		}
		s.hw.Write(i, machine.InvalidHi(i), machine.InvalidLo)
		s.stats.Inc(vmstats.TLBInvalidations)
		found = true
	}
	return found
}

// FlushASID drops every translation of address space asid and returns the
// number of slots dropped. It is a single invalidation for statistics.
func (s *Synchronizer) FlushASID(asid uint32) int {
	s.hw.Lock()
	defer s.hw.Unlock()
	want := (asid << machine.TLBHiASIDShift) & machine.TLBHiASID
	n := 0
	for i := 0; i < machine.NumTLBEntries; i++ {
		hi, lo := s.hw.Read(i)
		if lo&machine.TLBLoValid == 0 || hi&machine.TLBHiASID != want {
			continue
		}
		s.hw.Write(i, machine.InvalidHi(i), machine.InvalidLo)
		n++
	}
	if n > 0 {
		s.stats.Inc(vmstats.TLBInvalidations)
	}
	return n
}

// Install describes a translation written by Synchronizer.Install.
type Install struct {
	// Slot is the TLB slot written.
	Slot int

	// Replaced is true if a valid slot was overwritten.
	Replaced bool
}

// String implements fmt.Stringer.String.
func (in Install) String() string {
	if in.Replaced {
		return fmt.Sprintf("slot %d (replaced)", in.Slot)
	}
	return fmt.Sprintf("slot %d (free)", in.Slot)
}

// Install maps the page containing addr in address space asid to frame. A
// stale entry for the same page is overwritten in place; otherwise the first
// invalid slot is used, and failing that the round-robin victim.
func (s *Synchronizer) Install(asid uint32, addr hostarch.Addr, frame uint32, writable bool) Install {
	s.hw.Lock()
	defer s.hw.Unlock()
	return s.InstallLocked(asid, addr, frame, writable)
}

// InstallLocked is equivalent to Install.
//
// Preconditions: the machine TLB is locked.
func (s *Synchronizer) InstallLocked(asid uint32, addr hostarch.Addr, frame uint32, writable bool) Install {
	hi := machine.MakeHi(addr, asid)
	lo := machine.MakeLo(frame, writable)

	if i := s.hw.Probe(hi); i >= 0 {
		_, old := s.hw.Read(i)
		s.hw.Write(i, hi, lo)
		return Install{Slot: i, Replaced: old&machine.TLBLoValid != 0}
	}
	for i := 0; i < machine.NumTLBEntries; i++ {
		if _, old := s.hw.Read(i); old&machine.TLBLoValid == 0 {
			s.hw.Write(i, hi, lo)
			return Install{Slot: i}
		}
	}
	i := s.SelectVictimLocked()
	s.hw.Write(i, hi, lo)
	return Install{Slot: i, Replaced: true}
}
