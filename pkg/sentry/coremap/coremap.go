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

// Package coremap implements the physical frame allocator.
//
// The coremap holds one descriptor per physical frame. Descriptors form a
// sequence of disjoint runs, each either free or occupied; only the first
// frame of a run records its length, so the allocator can walk the array a
// run at a time. Single frames handed to page tables carry a weak reference
// to their owning entry (an OwnerRef) which is used to evict the page when
// memory runs out.
//
// Lock order:
//
//	pagetable.PageTable.mu
//	  Coremap.mu
//	    machine.TLB (through Invalidator)
//
// Coremap.mu is a spin lock; nothing that may block is called while it is
// held. Owner callbacks invoked under it must be non-blocking as well.
package coremap

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/machine"
	"gvisor.dev/pager/pkg/sync"
)

// checkInvariants enables expensive invariant checks after every mutation.
// Tests toggle it.
var checkInvariants = false

// ErrNoVictim is returned when a single frame was requested, no free frame
// exists and every occupied frame is pinned or ownerless. ErrNoVictim is
// transient: pins are released as faults complete, so callers may retry.
var ErrNoVictim = errors.New(unix.ENOMEM, "no frame eligible for eviction")

// Owner is implemented by whatever maps user frames, in practice a page
// table. The coremap calls these methods to coordinate eviction without
// owning the entries.
type Owner interface {
	// IsResident reports whether page is currently resident in frame.
	//
	// Preconditions: Coremap.mu is locked. Must not block.
	IsResident(page, frame uint32) bool

	// ClaimForEviction atomically moves page from resident in frame to
	// evicting, and reports whether it did. It fails if page no longer maps
	// frame.
	//
	// Preconditions: Coremap.mu is locked. Must not block.
	ClaimForEviction(page, frame uint32) bool

	// CompleteEviction records that page now lives in swap slot slot and
	// wakes goroutines waiting for the eviction to finish.
	CompleteEviction(page, slot uint32)

	// AbortEviction marks page resident in frame again after a failed swap
	// write and wakes waiters.
	AbortEviction(page, frame uint32)
}

// OwnerRef names the entry mapping a frame: a page of an Owner. It is a weak
// reference; the Owner validates it on every use.
type OwnerRef struct {
	Owner Owner
	Page  uint32
}

// Ok reports whether r refers to an owner.
func (r OwnerRef) Ok() bool {
	return r.Owner != nil
}

// Evictor writes the content of a victim frame to backing store and returns
// the slot holding it.
type Evictor interface {
	SwapOut(content []byte) (slot uint32, err error)
}

// Invalidator drops any cached translation for a frame.
type Invalidator interface {
	InvalidateFrame(frame uint32)
}

// frame is a frame descriptor.
type frame struct {
	// occupied is set for every frame of an allocated run.
	occupied bool

	// pins is the number of outstanding pins. A frame with pins != 0 is
	// fixed: it may not be evicted. Kernel runs hold one permanent pin per
	// frame.
	pins uint32

	// runLength is non-zero only on the first frame of a run.
	runLength uint32

	// owner is set on single-frame user runs.
	owner OwnerRef
}

// Opts configures a Coremap.
type Opts struct {
	// RAM is the physical memory being managed. All of its frames are
	// managed.
	RAM *machine.RAM

	// FirstFree is the number of frames at the bottom of RAM occupied by the
	// kernel image. They form one permanently pinned run.
	FirstFree uint32

	// Evictor receives victim pages. If nil, eviction is impossible and
	// single-frame allocations fail with ErrNoVictim once RAM is full.
	Evictor Evictor

	// Invalidator is told about every frame that changes owner through
	// eviction. May be nil.
	Invalidator Invalidator
}

// Coremap is the physical frame allocator.
type Coremap struct {
	ram   *machine.RAM
	evict Evictor
	inval Invalidator

	// mu protects the fields below.
	mu sync.SpinMutex

	frames []frame

	// lastVictim is the frame most recently chosen for eviction. The next
	// sweep starts at its successor.
	lastVictim uint32

	// shutdown is set by Shutdown.
	shutdown bool
}

// New returns a Coremap managing opts.RAM.
func New(opts Opts) (*Coremap, error) {
	if opts.RAM == nil {
		return nil, fmt.Errorf("coremap: no RAM: %w", linuxerr.EINVAL)
	}
	n := opts.RAM.NumFrames()
	if opts.FirstFree >= n {
		return nil, fmt.Errorf("coremap: kernel reserves %d of %d frames: %w", opts.FirstFree, n, linuxerr.ENOMEM)
	}
	c := &Coremap{
		ram:    opts.RAM,
		evict:  opts.Evictor,
		inval:  opts.Invalidator,
		frames: make([]frame, n),
	}
	if opts.FirstFree > 0 {
		c.frames[0].runLength = opts.FirstFree
		for i := uint32(0); i < opts.FirstFree; i++ {
			c.frames[i].occupied = true
			c.frames[i].pins = 1
		}
	}
	c.frames[opts.FirstFree].runLength = n - opts.FirstFree
	c.lastVictim = n - 1
	log.Infof("Coremap: %d frames, %d reserved for the kernel", n, opts.FirstFree)
	return c, nil
}

// NumFrames returns the number of managed frames.
func (c *Coremap) NumFrames() uint32 {
	return uint32(len(c.frames))
}

// AllocateRun allocates count contiguous frames and returns the first. The
// frames are zeroed. If pinned is set, every frame holds one pin, which the
// caller releases with Unpin (for single frames) or FreeRun. owner may only
// be set when count is 1.
//
// If no free run is large enough and count is 1, a frame is evicted. A
// multi-frame request that does not fit fails with ENOMEM.
func (c *Coremap) AllocateRun(count uint32, pinned bool, owner OwnerRef) (uint32, error) {
	if count == 0 || count > c.NumFrames() {
		return 0, fmt.Errorf("coremap: allocating %d frames: %w", count, linuxerr.EINVAL)
	}
	if owner.Ok() && count != 1 {
		panic(fmt.Sprintf("owned allocation of %d frames", count))
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return 0, fmt.Errorf("coremap: allocation after shutdown: %w", linuxerr.EPERM)
	}
	f, ok := c.findFreeRunLocked(count)
	if !ok {
		if count > 1 {
			c.mu.Unlock()
			return 0, fmt.Errorf("coremap: no free run of %d frames: %w", count, linuxerr.ENOMEM)
		}
		// evictLocked drops the lock.
		return c.evictLocked(pinned, owner)
	}
	c.splitLocked(f, count, pinned, owner)
	c.checkInvariantsLocked()
	c.mu.Unlock()

	c.ram.Zero(f, count)
	return f, nil
}

// AllocOpts are options to AllocateUser.
type AllocOpts struct {
	// Owner is the entry the frame will back.
	Owner OwnerRef

	// Pinned causes the frame to be returned with one pin held.
	Pinned bool
}

// AllocateUser allocates a single frame for a page-table entry, evicting
// another user page if necessary.
//
// Eviction finishes through the victim's Owner callbacks, which never take a
// page table's structural lock, so a caller may hold its own table locked
// even if the victim is one of its own pages.
func (c *Coremap) AllocateUser(opts AllocOpts) (uint32, error) {
	if !opts.Owner.Ok() {
		panic("user allocation without owner")
	}
	return c.AllocateRun(1, opts.Pinned, opts.Owner)
}

// findFreeRunLocked returns the first free run of at least count frames.
//
// Preconditions: c.mu is locked.
func (c *Coremap) findFreeRunLocked(count uint32) (uint32, bool) {
	n := c.NumFrames()
	for i := uint32(0); i < n; {
		f := &c.frames[i]
		if f.runLength == 0 {
			panic(fmt.Sprintf("frame %d inside a run reached by run skipping", i))
		}
		if !f.occupied && f.runLength >= count {
			return i, true
		}
		i += f.runLength
	}
	return 0, false
}

// splitLocked carves an occupied run of count frames off the front of the
// free run at first.
//
// Preconditions: c.mu is locked. first heads a free run of at least count
// frames.
func (c *Coremap) splitLocked(first, count uint32, pinned bool, owner OwnerRef) {
	head := &c.frames[first]
	if rest := head.runLength - count; rest > 0 {
		c.frames[first+count].runLength = rest
	}
	head.runLength = count
	head.owner = owner
	for i := first; i < first+count; i++ {
		c.frames[i].occupied = true
		if pinned {
			c.frames[i].pins = 1
		}
	}
}

// evictLocked evicts a user page and hands its frame to a new owner.
//
// Preconditions: c.mu is locked. Postconditions: c.mu is unlocked.
func (c *Coremap) evictLocked(pinned bool, owner OwnerRef) (uint32, error) {
	if c.evict == nil {
		c.mu.Unlock()
		return 0, ErrNoVictim
	}
	victim, ok := c.selectVictimLocked()
	if !ok {
		c.mu.Unlock()
		return 0, ErrNoVictim
	}
	v := &c.frames[victim]
	ref := v.owner
	// The claim pin keeps the frame out of other sweeps and away from
	// FreeOwned until the eviction is finalized.
	v.pins++
	c.lastVictim = victim
	c.mu.Unlock()

	// Drop the translation first so the content cannot change under the
	// swap write.
	if c.inval != nil {
		c.inval.InvalidateFrame(victim)
	}
	slot, err := c.evict.SwapOut(c.ram.Frame(victim))
	if err != nil {
		ref.Owner.AbortEviction(ref.Page, victim)
		c.Unpin(victim)
		log.Warningf("Coremap: evicting frame %d failed: %v", victim, err)
		return 0, err
	}
	ref.Owner.CompleteEviction(ref.Page, slot)

	c.mu.Lock()
	v.owner = owner
	if !pinned {
		v.pins--
	}
	c.checkInvariantsLocked()
	c.mu.Unlock()

	c.ram.Zero(victim, 1)
	if log.IsLogging(log.Debug) {
		log.Debugf("Coremap: evicted page %#x to slot %d, frame %d reassigned", ref.Page, slot, victim)
	}
	return victim, nil
}

// selectVictimLocked sweeps the frames round robin, starting after the last
// victim, and claims the first evictable one. The sweep wraps at most once.
//
// Preconditions: c.mu is locked.
func (c *Coremap) selectVictimLocked() (uint32, bool) {
	n := c.NumFrames()
	for k := uint32(1); k <= n; k++ {
		i := (c.lastVictim + k) % n
		f := &c.frames[i]
		if !f.occupied || f.pins != 0 || !f.owner.Ok() || f.runLength != 1 {
			continue
		}
		if f.owner.Owner.ClaimForEviction(f.owner.Page, i) {
			return i, true
		}
	}
	return 0, false
}

// FreeRun frees the run starting at first and coalesces adjacent free runs.
// Any pins and owner are dropped.
func (c *Coremap) FreeRun(first uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeRunLocked(first)
}

// freeRunLocked implements FreeRun.
//
// Preconditions: c.mu is locked.
func (c *Coremap) freeRunLocked(first uint32) {
	if first >= c.NumFrames() {
		panic(fmt.Sprintf("freeing frame %d beyond %d frames", first, c.NumFrames()))
	}
	head := &c.frames[first]
	if !head.occupied || head.runLength == 0 {
		panic(fmt.Sprintf("freeing frame %d, which does not head an occupied run: %+v", first, *head))
	}
	for i := first; i < first+head.runLength; i++ {
		f := &c.frames[i]
		f.occupied = false
		f.pins = 0
		f.owner = OwnerRef{}
	}
	c.coalesceLocked()
	c.checkInvariantsLocked()
}

// coalesceLocked merges consecutive free runs, scanning from the lowest
// frame.
//
// Preconditions: c.mu is locked.
func (c *Coremap) coalesceLocked() {
	n := c.NumFrames()
	for i := uint32(0); i < n; {
		f := &c.frames[i]
		next := i + f.runLength
		if !f.occupied {
			for next < n && !c.frames[next].occupied {
				size := c.frames[next].runLength
				f.runLength += size
				c.frames[next].runLength = 0
				next += size
			}
		}
		i = next
	}
}

// Pin adds a pin to frame, preventing its eviction.
func (c *Coremap) Pin(frame uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := &c.frames[frame]
	if !f.occupied {
		panic(fmt.Sprintf("pinning free frame %d", frame))
	}
	f.pins++
}

// Unpin removes a pin from frame.
func (c *Coremap) Unpin(frame uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := &c.frames[frame]
	if !f.occupied || f.pins == 0 {
		panic(fmt.Sprintf("unpinning frame %d with no pins: %+v", frame, *f))
	}
	f.pins--
}

// PinOwned pins frame if ref still maps it as resident, and reports whether
// it did. The check and the pin are atomic with respect to victim selection,
// so a successful PinOwned guarantees frame is not being evicted.
func (c *Coremap) PinOwned(frame uint32, ref OwnerRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ownedLocked(frame, ref) {
		return false
	}
	c.frames[frame].pins++
	return true
}

// FreeOwned frees frame if ref still maps it as resident and nobody holds a
// pin on it, and reports whether it did. Translations of the frame are
// invalidated before it is released.
func (c *Coremap) FreeOwned(frame uint32, ref OwnerRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ownedLocked(frame, ref) || c.frames[frame].pins != 0 {
		return false
	}
	if c.inval != nil {
		c.inval.InvalidateFrame(frame)
	}
	c.freeRunLocked(frame)
	return true
}

// ownedLocked reports whether frame is a user frame of ref that ref maps as
// resident.
//
// Preconditions: c.mu is locked.
func (c *Coremap) ownedLocked(frame uint32, ref OwnerRef) bool {
	if frame >= c.NumFrames() {
		return false
	}
	f := &c.frames[frame]
	return f.occupied && f.owner == ref && ref.Owner.IsResident(ref.Page, frame)
}

// Usage is a summary of frame use.
type Usage struct {
	// Total is the number of managed frames.
	Total uint32

	// Free is the number of frames in free runs.
	Free uint32

	// Fixed is the number of frames holding at least one pin.
	Fixed uint32

	// Owned is the number of frames backing page-table entries.
	Owned uint32
}

// Stats returns current frame usage.
func (c *Coremap) Stats() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := Usage{Total: c.NumFrames()}
	for i := range c.frames {
		f := &c.frames[i]
		switch {
		case !f.occupied:
			u.Free++
		case f.pins != 0:
			u.Fixed++
		}
		if f.owner.Ok() {
			u.Owned++
		}
	}
	return u
}

// CheckInvariants verifies the run structure and returns a description of
// the first violation found.
func (c *Coremap) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invariantsLocked()
}

// invariantsLocked implements CheckInvariants.
//
// Preconditions: c.mu is locked.
func (c *Coremap) invariantsLocked() error {
	n := c.NumFrames()
	var sum uint32
	for i := uint32(0); i < n; {
		head := &c.frames[i]
		if head.runLength == 0 {
			return fmt.Errorf("frame %d: run of length zero", i)
		}
		if i+head.runLength > n {
			return fmt.Errorf("frame %d: run of %d frames overruns %d frames", i, head.runLength, n)
		}
		if !head.occupied && (head.pins != 0 || head.owner.Ok()) {
			return fmt.Errorf("frame %d: free run is pinned or owned: %+v", i, *head)
		}
		if head.owner.Ok() && head.runLength != 1 {
			return fmt.Errorf("frame %d: owned run of %d frames", i, head.runLength)
		}
		for j := i + 1; j < i+head.runLength; j++ {
			f := &c.frames[j]
			if f.runLength != 0 {
				return fmt.Errorf("frame %d: length %d inside run at %d", j, f.runLength, i)
			}
			if f.occupied != head.occupied {
				return fmt.Errorf("frame %d: occupancy differs from run head %d", j, i)
			}
			if f.owner.Ok() {
				return fmt.Errorf("frame %d: owner inside run at %d", j, i)
			}
		}
		sum += head.runLength
		i += head.runLength
	}
	if sum != n {
		return fmt.Errorf("run lengths sum to %d, want %d", sum, n)
	}
	return nil
}

// checkInvariantsLocked panics if the run structure is corrupted and
// checkInvariants is set.
//
// Preconditions: c.mu is locked.
func (c *Coremap) checkInvariantsLocked() {
	if !checkInvariants {
		return
	}
	if err := c.invariantsLocked(); err != nil {
		panic(fmt.Sprintf("coremap corrupted: %v", err))
	}
}

// Shutdown stops the allocator. Later allocations fail with EPERM. It
// returns an error if the run structure is corrupted.
func (c *Coremap) Shutdown() error {
	c.mu.Lock()
	c.shutdown = true
	err := c.invariantsLocked()
	c.mu.Unlock()

	u := c.Stats()
	log.Infof("Coremap: shutdown with %d free, %d fixed, %d owned of %d frames", u.Free, u.Fixed, u.Owned, u.Total)
	return err
}
