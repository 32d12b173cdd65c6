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

// Package machine simulates the hardware the pager runs on: a physical
// memory of fixed-size frames and a software-refilled TLB with address space
// identifiers, laid out like the MIPS r3000.
package machine

import (
	"fmt"

	"gvisor.dev/pager/pkg/hostarch"
)

// RAM is the simulated physical memory.
//
// RAM does no locking of its own. Ownership of a frame (through the coremap)
// is what entitles a goroutine to touch its bytes.
type RAM struct {
	mem []byte
}

// NewRAM returns a zeroed physical memory of frames frames.
func NewRAM(frames uint32) *RAM {
	if frames == 0 || frames > hostarch.MaxFrameNumber+1 {
		panic(fmt.Sprintf("invalid frame count %d", frames))
	}
	return &RAM{mem: make([]byte, int(frames)*hostarch.PageSize)}
}

// NumFrames returns the number of frames in r.
func (r *RAM) NumFrames() uint32 {
	return uint32(len(r.mem) / hostarch.PageSize)
}

// Frame returns the bytes of frame n. The slice aliases physical memory.
func (r *RAM) Frame(n uint32) []byte {
	off := int(n) * hostarch.PageSize
	return r.mem[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Zero zeroes count frames starting at n.
func (r *RAM) Zero(n, count uint32) {
	off := int(n) * hostarch.PageSize
	clear(r.mem[off : off+int(count)*hostarch.PageSize])
}

// Copy copies the content of frame src into frame dst.
func (r *RAM) Copy(dst, src uint32) {
	copy(r.Frame(dst), r.Frame(src))
}

// Slice returns the n bytes at physical address paddr. The range must not
// cross a frame boundary.
func (r *RAM) Slice(paddr uint32, n int) []byte {
	if int(paddr&hostarch.PageMask)+n > hostarch.PageSize {
		panic(fmt.Sprintf("physical access [%#x, %#x) crosses a frame boundary", paddr, int(paddr)+n))
	}
	return r.mem[paddr : int(paddr)+n]
}
