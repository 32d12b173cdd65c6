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


// Package fault implements the TLB miss handler of the virtual memory
// subsystem.
package fault

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/coremap"
	"gvisor.dev/pager/pkg/sentry/mm"
	"gvisor.dev/pager/pkg/sentry/pagetable"
	"gvisor.dev/pager/pkg/sentry/tlb"
	"gvisor.dev/pager/pkg/sentry/vmstats"
)

// ErrReadOnly is returned for a store through a read-only translation.
var ErrReadOnly = errors.New(unix.EACCES, "write to a read-only page")

// DefaultWarnInterval is the minimum interval between fault failure warnings.
const DefaultWarnInterval = time.Second

// AddressSpace is the faulting address space.
type AddressSpace interface {
	// ASID returns the hardware address space identifier.
	ASID() uint32

	// SegmentContaining returns the segment containing addr.
	SegmentContaining(addr hostarch.Addr) (mm.Segment, bool)

	// StackRange returns the stack region. It is always writable.
	StackRange() hostarch.AddrRange

	// PageTable returns the page table backing the address space.
	PageTable() *pagetable.PageTable
}

// Opts are options to New.
type Opts struct {
	Coremap *coremap.Coremap
	TLB     *tlb.Synchronizer
	Stats   *vmstats.Stats

	// WarnInterval rate limits warnings about failed faults. If 0,
	// DefaultWarnInterval is used.
	WarnInterval time.Duration
}

// Handler resolves TLB faults.
type Handler struct {
	cm    *coremap.Coremap
	tlb   *tlb.Synchronizer
	stats *vmstats.Stats
	warn  log.Logger
}

// New returns a Handler.
func New(opts Opts) *Handler {
	if opts.Coremap == nil || opts.TLB == nil {
		panic("fault.New: Coremap and TLB are required")
	}
	if opts.WarnInterval == 0 {
		opts.WarnInterval = DefaultWarnInterval
	}
	return &Handler{
		cm:    opts.Coremap,
		tlb:   opts.TLB,
		stats: opts.Stats,
		warn:  log.BasicRateLimitedLogger(opts.WarnInterval),
	}
}

// HandleFault handles a fault of the given kind at addr in as. On success a
// translation for the page is installed in the TLB and the access may be
// retried. A non-nil error is fatal to the faulting process: the address is
// invalid (EFAULT), the access violates the page's protection (ErrReadOnly),
// or no memory or swap is available.
//
// ctx is checked only on entry; a started resolution is not cancelled.
func (h *Handler) HandleFault(ctx context.Context, as AddressSpace, kind hostarch.FaultKind, addr hostarch.Addr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := h.handle(as, kind, addr)
	if err != nil {
		h.warn.Warningf("Fault %v at %v in asid %d failed: %v", kind, addr, as.ASID(), err)
	}
	return err
}

func (h *Handler) handle(as AddressSpace, kind hostarch.FaultKind, addr hostarch.Addr) error {
	page := addr.RoundDown()
	if page == 0 || addr >= hostarch.KernelBase {
		return fmt.Errorf("address %v: %w", addr, linuxerr.EFAULT)
	}
	writable := true
	if seg, ok := as.SegmentContaining(addr); ok {
		writable = seg.Writable
	} else if !as.StackRange().Contains(addr) {
		return fmt.Errorf("address %v is outside every segment: %w", addr, linuxerr.EFAULT)
	}

	switch kind {
	case hostarch.FaultReadOnly:
		return fmt.Errorf("address %v: %w", addr, ErrReadOnly)
	case hostarch.FaultRead, hostarch.FaultWrite:
	default:
		panic(fmt.Sprintf("unknown fault kind %v", kind))
	}

	frame, err := as.PageTable().Resolve(page, pagetable.ResolveOpts{})
	if err != nil {
		return err
	}
	in := h.tlb.Install(as.ASID(), page, frame, writable)
	h.cm.Unpin(frame)

	h.stats.Inc(vmstats.TLBFaults)
	if in.Replaced {
		h.stats.Inc(vmstats.TLBFaultsWithReplace)
	} else {
		h.stats.Inc(vmstats.TLBFaultsWithFree)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Fault %v at %v in asid %d: frame %d in %v", kind, addr, as.ASID(), frame, in)
	}
	return nil
}
