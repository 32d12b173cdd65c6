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


// Package mm provides the segment layer of a user address space: the regions
// defined by the program image, the stack region, the page table backing
// them and the hardware address space identifier they run under.
package mm

import (
	"fmt"
	"io"

	"github.com/mohae/deepcopy"
	"gvisor.dev/pager/pkg/cleanup"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/pagetable"
	"gvisor.dev/pager/pkg/sentry/tlb"
	"gvisor.dev/pager/pkg/sync"
)

// DefaultStackPages is the size of the stack region in pages.
const DefaultStackPages = 18

// Opts are options to New.
type Opts struct {
	// PageTable configures the page table. Its Loader is replaced by the
	// address space.
	PageTable pagetable.Opts

	// TLB is flushed of the address space's entries on Destroy.
	TLB *tlb.Synchronizer

	// ASIDs supplies the address space identifier.
	ASIDs *ASIDs

	// StackPages is the size of the stack region. If 0, DefaultStackPages
	// is used.
	StackPages uint32
}

// Layout is the segment metadata of an address space.
type Layout struct {
	Segments   []Segment
	Entry      hostarch.Addr
	StackPages uint32
}

// AddressSpace is a user address space.
type AddressSpace struct {
	opts Opts
	asid uint32
	pt   *pagetable.PageTable

	// mu protects the fields below. It may be acquired while the page
	// table's lock is held, from LoadPage.
	mu       sync.RWMutex
	segments segmentSet
	image    io.ReaderAt
	entry    hostarch.Addr
	stack    hostarch.AddrRange

	destroy sync.Once
}

// New returns an address space with no segments.
func New(opts Opts) (*AddressSpace, error) {
	if opts.TLB == nil || opts.ASIDs == nil {
		panic("mm.New: TLB and ASIDs are required")
	}
	if opts.StackPages == 0 {
		opts.StackPages = DefaultStackPages
	}
	if uint64(opts.StackPages)<<hostarch.PageShift >= uint64(hostarch.UserStackTop) {
		return nil, fmt.Errorf("stack of %d pages does not fit below %v: %w", opts.StackPages, hostarch.UserStackTop, linuxerr.EINVAL)
	}
	asid, err := opts.ASIDs.Get()
	if err != nil {
		return nil, err
	}
	as := &AddressSpace{
		opts:     opts,
		asid:     asid,
		segments: newSegmentSet(),
		stack: hostarch.AddrRange{
			Start: hostarch.UserStackTop - hostarch.Addr(opts.StackPages)<<hostarch.PageShift,
			End:   hostarch.UserStackTop,
		},
	}
	ptOpts := opts.PageTable
	ptOpts.Loader = as
	as.pt = pagetable.New(ptOpts)
	return as, nil
}

// ASID returns the address space identifier.
func (as *AddressSpace) ASID() uint32 {
	return as.asid
}

// PageTable returns the page table backing as.
func (as *AddressSpace) PageTable() *pagetable.PageTable {
	return as.pt
}

// String implements fmt.Stringer.String.
func (as *AddressSpace) String() string {
	return fmt.Sprintf("asid %d (%v)", as.asid, as.pt)
}

// StackRange returns the stack region.
func (as *AddressSpace) StackRange() hostarch.AddrRange {
	return as.stack
}

// Entry returns the entry point set by LoadELF.
func (as *AddressSpace) Entry() hostarch.Addr {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.entry
}

// DefineRegion adds seg to the address space.
func (as *AddressSpace) DefineRegion(seg Segment) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.defineLocked(seg)
}

// Preconditions: as.mu is locked for writing.
func (as *AddressSpace) defineLocked(seg Segment) error {
	ar := seg.Range
	switch {
	case ar.Start >= ar.End || !ar.IsPageAligned():
		return fmt.Errorf("segment %v: bad range: %w", seg, linuxerr.EINVAL)
	case ar.Start < hostarch.PageSize || ar.End > hostarch.KernelBase:
		return fmt.Errorf("segment %v: outside user space: %w", seg, linuxerr.EINVAL)
	case seg.FileSize > 0 && !ar.Contains(seg.FileAddr):
		return fmt.Errorf("segment %v: file data outside segment: %w", seg, linuxerr.EINVAL)
	case seg.FileSize > ar.Length() || seg.FileAddr+hostarch.Addr(seg.FileSize) > ar.End:
		return fmt.Errorf("segment %v: file data outside segment: %w", seg, linuxerr.EINVAL)
	case ar.Overlaps(as.stack):
		return fmt.Errorf("segment %v overlaps the stack %v: %w", seg, as.stack, linuxerr.EINVAL)
	}
	if other, ok := as.segments.overlaps(ar); ok {
		return fmt.Errorf("segment %v overlaps %v: %w", seg, other, linuxerr.EEXIST)
	}
	if as.segments.len() >= MaxSegments {
		return fmt.Errorf("segment %v: address space already has %d segments: %w", seg, MaxSegments, linuxerr.ENOMEM)
	}
	as.segments.insert(seg)
	return nil
}

// SegmentContaining returns the segment containing addr. The stack is not a
// segment; see StackRange.
func (as *AddressSpace) SegmentContaining(addr hostarch.Addr) (Segment, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.segments.find(addr)
}

// Segments returns the segments in address order.
func (as *AddressSpace) Segments() []Segment {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.segments.slice()
}

// Layout returns a copy of the segment metadata.
func (as *AddressSpace) Layout() Layout {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.layoutLocked()
}

// Preconditions: as.mu is locked.
func (as *AddressSpace) layoutLocked() Layout {
	return Layout{
		Segments:   as.segments.slice(),
		Entry:      as.entry,
		StackPages: as.stack.Pages(),
	}
}

// LoadPage implements pagetable.Loader.LoadPage. The parts of the page backed
// by the image are read from it and the rest is zeroed. Pages outside every
// segment, such as stack pages, are zero filled.
func (as *AddressSpace) LoadPage(addr hostarch.Addr, dst []byte) (bool, error) {
	as.mu.RLock()
	seg, ok := as.segments.find(addr)
	image := as.image
	as.mu.RUnlock()
	if !ok || seg.FileSize == 0 || image == nil {
		clear(dst)
		return false, nil
	}
	page := hostarch.AddrRange{Start: addr, End: addr + hostarch.PageSize}
	file := seg.fileRange()
	if !page.Overlaps(file) {
		clear(dst)
		return false, nil
	}
	start, end := max(page.Start, file.Start), min(page.End, file.End)
	clear(dst[:start-addr])
	clear(dst[end-addr:])
	off := seg.FileOffset + int64(start-file.Start)
	if n, err := image.ReadAt(dst[start-addr:end-addr], off); n < int(end-start) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return false, fmt.Errorf("reading %d bytes of the image at %#x for page %v: %w: %w", end-start, off, addr, linuxerr.EIO, err)
	}
	return true, nil
}

// Fork returns a copy of as with the same segments and a copy of every page.
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	as.mu.RLock()
	layout := deepcopy.Copy(as.layoutLocked()).(Layout)
	image := as.image
	as.mu.RUnlock()

	opts := as.opts
	opts.StackPages = layout.StackPages
	child, err := New(opts)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(child.Destroy)
	defer cu.Clean()

	child.image = image
	child.entry = layout.Entry
	for _, seg := range layout.Segments {
		child.segments.insert(seg)
	}
	if err := as.pt.Fork(child.pt); err != nil {
		return nil, fmt.Errorf("forking %v: %w", as, err)
	}
	cu.Release()
	log.Debugf("Forked %v into %v", as, child)
	return child, nil
}

// Destroy releases every page, flushes the address space's TLB entries and
// releases its ASID. It is idempotent.
func (as *AddressSpace) Destroy() {
	as.destroy.Do(func() {
		as.pt.Destroy()
		as.opts.TLB.FlushASID(as.asid)
		as.opts.ASIDs.Put(as.asid)
	})
}
