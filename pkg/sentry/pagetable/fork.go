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

package pagetable

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/pager/pkg/cleanup"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/swap"
	"gvisor.dev/pager/pkg/sync"
)

// Fork copies every page of pt into dst, which must be empty. Resident pages
// are copied into new frames. Swapped pages are shared: both tables refer to
// the same slot, whose reference count is raised.
//
// If Fork fails, dst is destroyed.
func (pt *PageTable) Fork(dst *PageTable) error {
	if dst == pt {
		panic("forking a page table into itself")
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	if err := pt.checkLiveLocked(); err != nil {
		return err
	}
	if err := dst.checkLiveLocked(); err != nil {
		return err
	}
	for i := range dst.outer {
		if dst.outer[i].Load() != nil {
			return fmt.Errorf("forking into non-empty %v: %w", dst, linuxerr.EINVAL)
		}
	}

	cu := cleanup.Make(dst.destroyLocked)
	defer cu.Clean()

	var err error
	pt.forEachLocked(func(vpn uint32, p *atomic.Uint64) {
		if err == nil {
			err = pt.forkEntryLocked(dst, vpn, p)
		}
	})
	if err != nil {
		log.Warningf("Fork of %v into %v failed: %v", pt, dst, err)
		return err
	}
	cu.Release()
	return nil
}

// forkEntryLocked copies the entry p for vpn into dst.
//
// Preconditions: pt.mu and dst.mu are locked.
func (pt *PageTable) forkEntryLocked(dst *PageTable, vpn uint32, p *atomic.Uint64) error {
	for {
		e := load(p)
		switch e.Kind() {
		case Invalid:
			return nil
		case Evicting:
			pt.waitEvicting(p)
		case Swapped:
			if err := pt.swap.IncRef(e.Slot()); err != nil {
				return err
			}
			dst.entryAllocLocked(vpn).Store(uint64(e))
			return nil
		case Resident:
			src := e.Frame()
			if !pt.cm.PinOwned(src, pt.ref(vpn)) {
				continue
			}
			frame, err := dst.allocFrame(vpn)
			if err != nil {
				pt.cm.Unpin(src)
				return err
			}
			pt.ram.Copy(frame, src)
			dst.entryAllocLocked(vpn).Store(uint64(ResidentEntry(frame)))
			pt.cm.Unpin(frame)
			pt.cm.Unpin(src)
			return nil
		}
	}
}

// Destroy releases every frame and swap slot held by pt. Later operations on
// pt fail. Destroy is idempotent.
func (pt *PageTable) Destroy() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.destroyLocked()
}

// destroyLocked implements Destroy.
//
// Preconditions: pt.mu is locked.
func (pt *PageTable) destroyLocked() {
	if pt.destroyed {
		return
	}
	var frames, slots int
	pt.forEachLocked(func(vpn uint32, p *atomic.Uint64) {
		switch pt.releaseLocked(vpn, p) {
		case Resident:
			frames++
		case Swapped:
			slots++
		}
	})
	for i := range pt.outer {
		pt.outer[i].Store(nil)
	}
	pt.destroyed = true
	log.Debugf("%v destroyed: released %d frames and %d swap slots", pt, frames, slots)
}

// releaseLocked frees what the entry p for vpn refers to, leaves it Invalid
// and returns the state it was released from.
//
// Preconditions: pt.mu is locked.
func (pt *PageTable) releaseLocked(vpn uint32, p *atomic.Uint64) Kind {
	for {
		e := load(p)
		switch e.Kind() {
		case Invalid:
			return Invalid
		case Evicting:
			pt.waitEvicting(p)
		case Resident:
			if !pt.cm.FreeOwned(e.Frame(), pt.ref(vpn)) {
				// Pinned by a fault in flight, or claimed.
				sync.Goyield()
				continue
			}
			p.Store(uint64(makeEntry(Invalid, 0)))
			return Resident
		case Swapped:
			if err := pt.swap.Read(swap.NoPage, e.Slot()); err != nil {
				log.Warningf("%v: releasing swap slot %d of page %#x: %v", pt, e.Slot(), vpn, err)
			}
			p.Store(uint64(makeEntry(Invalid, 0)))
			return Swapped
		}
	}
}
