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

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/vmstats"
)

// ResolveOpts are options to Resolve.
type ResolveOpts struct {
	// Locked indicates that the caller already holds the table locked
	// because it is running inside Loader.LoadPage for the same page.
	Locked bool
}

// Resolve returns the frame backing the page containing addr, faulting it in
// if necessary. The frame is returned pinned; the caller must unpin it with
// coremap.Coremap.Unpin once the translation is installed.
//
// A page touched for the first time is populated by the Loader (or zero
// filled). A swapped page is read back from swap. A resident page is a
// reload. Each case records the corresponding statistic.
func (pt *PageTable) Resolve(addr hostarch.Addr, opts ResolveOpts) (uint32, error) {
	vpn := addr.PageNumber()
	if opts.Locked {
		return pt.resolveLoadingLocked(vpn)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.checkLiveLocked(); err != nil {
		return 0, err
	}
	p := pt.entryAllocLocked(vpn)
	for {
		e := load(p)
		switch e.Kind() {
		case Invalid:
			return pt.populateLocked(vpn, p)
		case Evicting:
			pt.waitEvicting(p)
		case Swapped:
			return pt.swapInLocked(vpn, p, e.Slot())
		case Resident:
			if !pt.cm.PinOwned(e.Frame(), pt.ref(vpn)) {
				// Claimed for eviction since the load above.
				continue
			}
			pt.stats.Inc(vmstats.TLBReloads)
			return e.Frame(), nil
		}
	}
}

// resolveLoadingLocked returns the frame of vpn, which is being loaded by
// the caller, with an additional pin.
//
// Preconditions: pt.mu is locked by the caller's enclosing Resolve. vpn is
// resident and pinned.
func (pt *PageTable) resolveLoadingLocked(vpn uint32) (uint32, error) {
	p := pt.entry(vpn)
	if p == nil {
		panic(fmt.Sprintf("%v: locked resolve of page %#x without a row", pt, vpn))
	}
	e := load(p)
	if e.Kind() != Resident {
		panic(fmt.Sprintf("%v: locked resolve of page %#x in state %v", pt, vpn, e))
	}
	pt.cm.Pin(e.Frame())
	return e.Frame(), nil
}

// populateLocked backs the invalid entry p for vpn with a new frame and
// loads its initial content.
//
// Preconditions: pt.mu is locked. *p is Invalid.
func (pt *PageTable) populateLocked(vpn uint32, p *atomic.Uint64) (uint32, error) {
	frame, err := pt.allocFrame(vpn)
	if err != nil {
		return 0, err
	}
	p.Store(uint64(ResidentEntry(frame)))

	fileBacked := false
	if pt.loader != nil {
		fileBacked, err = pt.loader.LoadPage(hostarch.PageAddr(vpn), pt.ram.Frame(frame))
		if err != nil {
			p.Store(uint64(makeEntry(Invalid, 0)))
			pt.cm.FreeRun(frame)
			return 0, err
		}
	}
	if fileBacked {
		pt.stats.Inc(vmstats.PageFaultsDisk)
		pt.stats.Inc(vmstats.PageFaultsFromELF)
	} else {
		pt.stats.Inc(vmstats.PageFaultsZeroed)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("%v: page %#x populated in frame %d (file backed: %t)", pt, vpn, frame, fileBacked)
	}
	return frame, nil
}

// swapInLocked reads vpn back from slot into a new frame.
//
// Preconditions: pt.mu is locked. *p is Swapped{slot}.
func (pt *PageTable) swapInLocked(vpn uint32, p *atomic.Uint64, slot uint32) (uint32, error) {
	frame, err := pt.allocFrame(vpn)
	if err != nil {
		return 0, err
	}
	if err := pt.swap.Read(pt.ram.Frame(frame), slot); err != nil {
		pt.cm.FreeRun(frame)
		return 0, err
	}
	p.Store(uint64(ResidentEntry(frame)))
	pt.stats.Inc(vmstats.PageFaultsDisk)
	pt.stats.Inc(vmstats.PageFaultsFromSwap)
	if log.IsLogging(log.Debug) {
		log.Debugf("%v: page %#x swapped in from slot %d to frame %d", pt, vpn, slot, frame)
	}
	return frame, nil
}
