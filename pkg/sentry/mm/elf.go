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


package mm

import (
	"debug/elf"
	"fmt"
	"io"

	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
)

// LoadELF defines a segment for each PT_LOAD program header of the 32-bit
// executable r and makes r the image backing them. Segments are writable iff
// the header carries PF_W. It returns the entry point.
//
// On error the address space is left unchanged.
func (as *AddressSpace) LoadELF(r io.ReaderAt) (hostarch.Addr, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, fmt.Errorf("parsing ELF image: %w: %w", linuxerr.EINVAL, err)
	}
	if f.Class != elf.ELFCLASS32 {
		return 0, fmt.Errorf("ELF image of class %v: %w", f.Class, linuxerr.EINVAL)
	}
	if f.Type != elf.ET_EXEC {
		return 0, fmt.Errorf("ELF image of type %v: %w", f.Type, linuxerr.EINVAL)
	}
	if f.Entry >= uint64(hostarch.KernelBase) {
		return 0, fmt.Errorf("ELF entry point %#x in kernel space: %w", f.Entry, linuxerr.EINVAL)
	}

	var segs []Segment
	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if p.Filesz > p.Memsz {
			return 0, fmt.Errorf("program header %d: file size %#x exceeds memory size %#x: %w", i, p.Filesz, p.Memsz, linuxerr.EINVAL)
		}
		if p.Vaddr+p.Memsz > uint64(hostarch.KernelBase) {
			return 0, fmt.Errorf("program header %d: [%#x, %#x) outside user space: %w", i, p.Vaddr, p.Vaddr+p.Memsz, linuxerr.EINVAL)
		}
		vaddr := hostarch.Addr(p.Vaddr)
		end, _ := (vaddr + hostarch.Addr(p.Memsz)).RoundUp()
		segs = append(segs, Segment{
			Range:      hostarch.AddrRange{Start: vaddr.RoundDown(), End: end},
			Writable:   p.Flags&elf.PF_W != 0,
			FileAddr:   vaddr,
			FileOffset: int64(p.Off),
			FileSize:   uint32(p.Filesz),
		})
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	saved := as.segments.clone()
	for _, seg := range segs {
		if err := as.defineLocked(seg); err != nil {
			as.segments = saved
			return 0, err
		}
	}
	as.image = r
	as.entry = hostarch.Addr(f.Entry)
	log.Debugf("%v: loaded %d segments, entry %v", as, len(segs), as.entry)
	return as.entry, nil
}
