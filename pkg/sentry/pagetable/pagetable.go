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

// Package pagetable implements per-address-space page tables.
//
// A PageTable maps virtual page numbers to entries through two levels of
// 1024-entry rows. Rows are allocated on first touch. Frames backing resident
// entries are leased from the coremap, which may evict them at any time that
// they are not pinned; the PageTable implements coremap.Owner to take part in
// eviction.
//
// Lock order:
//
//	PageTable.mu
//	  swap.Store.mu
//	  coremap.Coremap.mu
//	    PageTable.evictMu (of any table, through Owner callbacks)
//
// Entry transitions out of Resident happen only under the coremap lock
// (eviction claims, PinOwned, FreeOwned). All other transitions are made by
// the holder of PageTable.mu, except that finishing an eviction takes only
// evictMu. A table may therefore hold mu while its own pages are evicted.
package pagetable

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sentry/coremap"
	"gvisor.dev/pager/pkg/sentry/machine"
	"gvisor.dev/pager/pkg/sentry/swap"
	"gvisor.dev/pager/pkg/sentry/vmstats"
	"gvisor.dev/pager/pkg/sync"
)

const (
	// TableSize is the number of entries in a row, and of rows in a table.
	TableSize = 1024

	outerShift = 22
	innerShift = hostarch.PageShift
	innerMask  = TableSize - 1
)

// DefaultRetryAttempts is the number of times a frame allocation is attempted
// while no eviction victim is available.
const DefaultRetryAttempts = 5

// Loader provides the initial content of pages.
type Loader interface {
	// LoadPage fills dst, a zeroed frame, with the initial content of the
	// page at addr. It reports whether any of the content came from a file.
	//
	// LoadPage is called with the page table locked and the page resident
	// and pinned; it may call Resolve for the same page with
	// ResolveOpts.Locked.
	LoadPage(addr hostarch.Addr, dst []byte) (fileBacked bool, err error)
}

// row is one second-level block of entries.
type row [TableSize]atomic.Uint64

// Opts configures a PageTable.
type Opts struct {
	// Coremap supplies frames.
	Coremap *coremap.Coremap

	// Swap holds evicted pages.
	Swap *swap.Store

	// RAM is the physical memory managed by Coremap.
	RAM *machine.RAM

	// Loader populates pages on first touch. If nil, pages are zero-filled.
	Loader Loader

	// Stats receives fault statistics. May be nil.
	Stats *vmstats.Stats

	// RetryAttempts bounds frame allocation attempts. Zero means
	// DefaultRetryAttempts.
	RetryAttempts int

	// Yield is called between allocation attempts. If nil, sync.Goyield is
	// used.
	Yield func()
}

var nextID atomic.Uint64

// PageTable is the page table of one address space.
type PageTable struct {
	id      uint64
	cm      *coremap.Coremap
	swap    *swap.Store
	ram     *machine.RAM
	loader  Loader
	stats   *vmstats.Stats
	retries int
	yield   func()

	// mu serializes resolution, fork and destruction, and guards row
	// allocation.
	mu sync.Mutex

	// outer holds the rows. Rows are installed under mu but read without
	// it by Owner callbacks.
	outer [TableSize]atomic.Pointer[row]

	// destroyed is set by Destroy. It is protected by mu.
	destroyed bool

	// evictMu and evictCond form the monitor on which goroutines wait for
	// Evicting entries to settle.
	evictMu   sync.Mutex
	evictCond *sync.Cond
}

// New returns an empty page table.
func New(opts Opts) *PageTable {
	if opts.Coremap == nil || opts.Swap == nil || opts.RAM == nil {
		panic("pagetable.New: Coremap, Swap and RAM are required")
	}
	pt := &PageTable{
		id:      nextID.Add(1),
		cm:      opts.Coremap,
		swap:    opts.Swap,
		ram:     opts.RAM,
		loader:  opts.Loader,
		stats:   opts.Stats,
		retries: opts.RetryAttempts,
		yield:   opts.Yield,
	}
	if pt.retries <= 0 {
		pt.retries = DefaultRetryAttempts
	}
	if pt.yield == nil {
		pt.yield = sync.Goyield
	}
	pt.evictCond = sync.NewCond(&pt.evictMu)
	return pt
}

// ID returns a number identifying pt.
func (pt *PageTable) ID() uint64 {
	return pt.id
}

// String implements fmt.Stringer.String.
func (pt *PageTable) String() string {
	return fmt.Sprintf("pagetable %d", pt.id)
}

func (pt *PageTable) ref(vpn uint32) coremap.OwnerRef {
	return coremap.OwnerRef{Owner: pt, Page: vpn}
}

// entry returns the entry for vpn, or nil if its row is not allocated.
func (pt *PageTable) entry(vpn uint32) *atomic.Uint64 {
	r := pt.outer[vpn>>(outerShift-innerShift)].Load()
	if r == nil {
		return nil
	}
	return &r[vpn&innerMask]
}

// entryAllocLocked returns the entry for vpn, allocating its row if needed.
//
// Preconditions: pt.mu is locked.
func (pt *PageTable) entryAllocLocked(vpn uint32) *atomic.Uint64 {
	i := vpn >> (outerShift - innerShift)
	r := pt.outer[i].Load()
	if r == nil {
		r = new(row)
		pt.outer[i].Store(r)
	}
	return &r[vpn&innerMask]
}

func load(p *atomic.Uint64) Entry {
	return Entry(p.Load())
}

// waitEvicting blocks until the entry at p is not Evicting, and returns it.
func (pt *PageTable) waitEvicting(p *atomic.Uint64) Entry {
	pt.evictMu.Lock()
	defer pt.evictMu.Unlock()
	for {
		if e := load(p); e.Kind() != Evicting {
			return e
		}
		pt.evictCond.Wait()
	}
}

// yieldBackOff is a backoff.BackOff that yields the processor instead of
// sleeping.
type yieldBackOff struct {
	yield func()
}

// NextBackOff implements backoff.BackOff.NextBackOff.
func (b yieldBackOff) NextBackOff() time.Duration {
	b.yield()
	return 0
}

// Reset implements backoff.BackOff.Reset.
func (yieldBackOff) Reset() {}

// allocFrame allocates a pinned frame for page vpn of pt. While no eviction
// victim exists it retries up to pt.retries times in total, yielding between
// attempts. Any other failure is returned immediately.
func (pt *PageTable) allocFrame(vpn uint32) (uint32, error) {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if pt.retries > 1 {
		b = backoff.WithMaxRetries(yieldBackOff{pt.yield}, uint64(pt.retries-1))
	}
	var frame uint32
	op := func() error {
		f, err := pt.cm.AllocateUser(coremap.AllocOpts{Owner: pt.ref(vpn), Pinned: true})
		if err == coremap.ErrNoVictim {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		frame = f
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return 0, err
	}
	return frame, nil
}

// Lookup returns the entry for the page containing addr.
func (pt *PageTable) Lookup(addr hostarch.Addr) Entry {
	if p := pt.entry(addr.PageNumber()); p != nil {
		return load(p)
	}
	return makeEntry(Invalid, 0)
}

// count returns the number of entries of kind k.
func (pt *PageTable) count(k Kind) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	n := 0
	pt.forEachLocked(func(_ uint32, p *atomic.Uint64) {
		if load(p).Kind() == k {
			n++
		}
	})
	return n
}

// ResidentPages returns the number of resident pages.
func (pt *PageTable) ResidentPages() int {
	return pt.count(Resident)
}

// SwappedPages returns the number of swapped pages.
func (pt *PageTable) SwappedPages() int {
	return pt.count(Swapped)
}

// forEachLocked calls fn for every entry in an allocated row.
//
// Preconditions: pt.mu is locked.
func (pt *PageTable) forEachLocked(fn func(vpn uint32, p *atomic.Uint64)) {
	for i := range pt.outer {
		r := pt.outer[i].Load()
		if r == nil {
			continue
		}
		for j := range r {
			fn(uint32(i)<<(outerShift-innerShift)|uint32(j), &r[j])
		}
	}
}

func (pt *PageTable) checkLiveLocked() error {
	if pt.destroyed {
		return fmt.Errorf("%v is destroyed: %w", pt, linuxerr.EFAULT)
	}
	return nil
}

// IsResident implements coremap.Owner.IsResident.
func (pt *PageTable) IsResident(page, frame uint32) bool {
	p := pt.entry(page)
	return p != nil && load(p) == ResidentEntry(frame)
}

// ClaimForEviction implements coremap.Owner.ClaimForEviction.
func (pt *PageTable) ClaimForEviction(page, frame uint32) bool {
	p := pt.entry(page)
	return p != nil && p.CompareAndSwap(uint64(ResidentEntry(frame)), uint64(EvictingEntry(frame)))
}

// CompleteEviction implements coremap.Owner.CompleteEviction.
func (pt *PageTable) CompleteEviction(page, slot uint32) {
	pt.settleEviction(page, SwappedEntry(slot))
}

// AbortEviction implements coremap.Owner.AbortEviction.
func (pt *PageTable) AbortEviction(page, frame uint32) {
	pt.settleEviction(page, ResidentEntry(frame))
}

func (pt *PageTable) settleEviction(page uint32, e Entry) {
	p := pt.entry(page)
	if p == nil {
		panic(fmt.Sprintf("%v: settling eviction of page %#x without a row", pt, page))
	}
	pt.evictMu.Lock()
	defer pt.evictMu.Unlock()
	if old := load(p); old.Kind() != Evicting {
		panic(fmt.Sprintf("%v: settling eviction of page %#x in state %v", pt, page, old))
	}
	p.Store(uint64(e))
	pt.evictCond.Broadcast()
}
