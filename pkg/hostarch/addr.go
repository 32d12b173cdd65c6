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

// Package hostarch describes the simulated machine: a 32-bit address space
// with 4 KiB pages and a kernel segment at the top half.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page (and of a physical frame) in bytes.
	PageSize = 1 << PageShift

	// PageMask masks the offset bits of an address.
	PageMask = PageSize - 1

	// KernelBase is the first address of the kernel's direct-mapped segment
	// (kseg0). User addresses are strictly below KernelBase.
	KernelBase Addr = 0x80000000

	// UserStackTop is the initial user stack pointer; the stack grows down
	// from here.
	UserStackTop = KernelBase

	// MaxFrameNumber bounds frame and swap slot numbers, which are stored in
	// 20 bits.
	MaxFrameNumber = 1<<20 - 1
)

// Addr is a virtual address of the simulated machine.
type Addr uint32

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageMask)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint32 {
	return uint32(v & PageMask)
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// PageNumber returns the virtual page number containing v.
func (v Addr) PageNumber() uint32 {
	return uint32(v >> PageShift)
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uint32) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint32) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#08x", uint32(v))
}

// PageAddr returns the address of the first byte of virtual page vpn.
func PageAddr(vpn uint32) Addr {
	return Addr(vpn << PageShift)
}

// FrameAddr returns the physical address of the first byte of frame.
func FrameAddr(frame uint32) uint32 {
	return frame << PageShift
}
