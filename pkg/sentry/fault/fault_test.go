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


package fault

import (
	"context"
	goerrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sentry/coremap"
	"gvisor.dev/pager/pkg/sentry/machine"
	"gvisor.dev/pager/pkg/sentry/mm"
	"gvisor.dev/pager/pkg/sentry/pagetable"
	"gvisor.dev/pager/pkg/sentry/swap"
	"gvisor.dev/pager/pkg/sentry/tlb"
	"gvisor.dev/pager/pkg/sentry/vmstats"
)

const (
	textStart = hostarch.Addr(0x400000)
	dataStart = hostarch.Addr(0x10000000)
	dataPages = 70
)

type testEnv struct {
	cm    *coremap.Coremap
	hw    *machine.TLB
	stats *vmstats.Stats
	h     *Handler
	as    *mm.AddressSpace
}

func newTestEnv(t *testing.T, frames uint32) *testEnv {
	t.Helper()
	stats := vmstats.New()
	s, err := swap.Open(swap.NewMemFile(32), swap.Opts{Slots: 32, Stats: stats})
	if err != nil {
		t.Fatalf("swap.Open: %v", err)
	}
	ram := machine.NewRAM(frames)
	hw := machine.NewTLB()
	tlbs := tlb.New(hw, stats)
	cm, err := coremap.New(coremap.Opts{RAM: ram, FirstFree: 2, Evictor: s, Invalidator: tlbs})
	if err != nil {
		t.Fatalf("coremap.New: %v", err)
	}
	as, err := mm.New(mm.Opts{
		PageTable: pagetable.Opts{Coremap: cm, Swap: s, RAM: ram, Stats: stats},
		TLB:       tlbs,
		ASIDs:     mm.NewASIDs(),
	})
	if err != nil {
		t.Fatalf("mm.New: %v", err)
	}
	t.Cleanup(as.Destroy)
	for _, seg := range []mm.Segment{
		{Range: hostarch.AddrRange{Start: textStart, End: textStart + 2*hostarch.PageSize}},
		{Range: hostarch.AddrRange{Start: dataStart, End: dataStart + dataPages*hostarch.PageSize}, Writable: true},
	} {
		if err := as.DefineRegion(seg); err != nil {
			t.Fatalf("DefineRegion(%v): %v", seg, err)
		}
	}
	return &testEnv{
		cm:    cm,
		hw:    hw,
		stats: stats,
		h:     New(Opts{Coremap: cm, TLB: tlbs, Stats: stats}),
		as:    as,
	}
}

func (e *testEnv) fault(t *testing.T, kind hostarch.FaultKind, addr hostarch.Addr) {
	t.Helper()
	if err := e.h.HandleFault(context.Background(), e.as, kind, addr); err != nil {
		t.Fatalf("HandleFault(%v, %v): %v", kind, addr, err)
	}
}

func (e *testEnv) translate(addr hostarch.Addr, at hostarch.AccessType) (hostarch.FaultKind, bool) {
	e.hw.Lock()
	defer e.hw.Unlock()
	_, kind, ok := e.hw.Translate(e.as.ASID(), addr, at)
	return kind, ok
}

func TestRejectedFaults(t *testing.T) {
	e := newTestEnv(t, 8)
	for _, tc := range []struct {
		name string
		kind hostarch.FaultKind
		addr hostarch.Addr
		want *errors.Error
	}{
		{"null page", hostarch.FaultRead, 0x10, linuxerr.EFAULT},
		{"kernel", hostarch.FaultRead, hostarch.KernelBase + 0x1000, linuxerr.EFAULT},
		{"kernel top", hostarch.FaultWrite, 0xfffffffc, linuxerr.EFAULT},
		{"unmapped", hostarch.FaultWrite, 0x20000000, linuxerr.EFAULT},
		{"below stack", hostarch.FaultWrite, e.as.StackRange().Start - 1, linuxerr.EFAULT},
		{"read only", hostarch.FaultReadOnly, textStart, ErrReadOnly},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := e.h.HandleFault(context.Background(), e.as, tc.kind, tc.addr)
			if !linuxerr.Equals(tc.want, err) {
				t.Errorf("HandleFault(%v, %v) = %v, want %v", tc.kind, tc.addr, err, tc.want)
			}
		})
	}
	if got := e.stats.Snapshot(); got != (vmstats.Snapshot{}) {
		t.Errorf("rejected faults changed statistics: %v", got)
	}
	if got := e.as.PageTable().ResidentPages(); got != 0 {
		t.Errorf("rejected faults made %d pages resident", got)
	}
}

func TestCanceledContext(t *testing.T) {
	e := newTestEnv(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.h.HandleFault(ctx, e.as, hostarch.FaultRead, textStart); !goerrors.Is(err, context.Canceled) {
		t.Errorf("HandleFault with canceled context = %v, want %v", err, context.Canceled)
	}
}

func TestFaultInstallsTranslation(t *testing.T) {
	e := newTestEnv(t, 8)
	stackPage := hostarch.UserStackTop - hostarch.PageSize
	e.fault(t, hostarch.FaultWrite, stackPage+0x10)
	if _, ok := e.translate(stackPage+0x20, hostarch.Write); !ok {
		t.Errorf("stack page not writable after a write fault")
	}
	if got, want := e.cm.Stats().Fixed, uint32(2); got != want {
		t.Errorf("fixed frames after the fault = %d, want %d (frame left pinned)", got, want)
	}
	if diff := cmp.Diff(map[string]uint64{"faults": 1, "free": 1, "replace": 0, "zeroed": 1}, map[string]uint64{
		"faults":  e.stats.Get(vmstats.TLBFaults),
		"free":    e.stats.Get(vmstats.TLBFaultsWithFree),
		"replace": e.stats.Get(vmstats.TLBFaultsWithReplace),
		"zeroed":  e.stats.Get(vmstats.PageFaultsZeroed),
	}); diff != "" {
		t.Errorf("statistics mismatch (-want +got):\n%s", diff)
	}
}

func TestReadOnlySegment(t *testing.T) {
	e := newTestEnv(t, 8)
	e.fault(t, hostarch.FaultWrite, textStart)
	if _, ok := e.translate(textStart, hostarch.Read); !ok {
		t.Fatalf("text page not readable after fault")
	}
	kind, ok := e.translate(textStart, hostarch.Write)
	if ok || kind != hostarch.FaultReadOnly {
		t.Fatalf("write to text page: got (%v, %t), want (%v, false)", kind, ok, hostarch.FaultReadOnly)
	}
	if err := e.h.HandleFault(context.Background(), e.as, kind, textStart); !goerrors.Is(err, ErrReadOnly) {
		t.Errorf("HandleFault(%v) = %v, want %v", kind, err, ErrReadOnly)
	}
}

func TestReplacementAndReload(t *testing.T) {
	e := newTestEnv(t, dataPages+4)
	for i := 0; i <= machine.NumTLBEntries; i++ {
		e.fault(t, hostarch.FaultRead, dataStart+hostarch.Addr(i)*hostarch.PageSize)
	}
	// The 65th install replaced slot 0, which mapped the first data page.
	if _, ok := e.translate(dataStart, hostarch.Read); ok {
		t.Fatalf("first data page still mapped after its slot was replaced")
	}
	e.fault(t, hostarch.FaultRead, dataStart)

	snap := e.stats.Snapshot()
	if diff := cmp.Diff(map[string]uint64{"faults": 66, "free": 64, "replace": 2, "reloads": 1, "zeroed": 65}, map[string]uint64{
		"faults":  snap.Get(vmstats.TLBFaults),
		"free":    snap.Get(vmstats.TLBFaultsWithFree),
		"replace": snap.Get(vmstats.TLBFaultsWithReplace),
		"reloads": snap.Get(vmstats.TLBReloads),
		"zeroed":  snap.Get(vmstats.PageFaultsZeroed),
	}); diff != "" {
		t.Errorf("statistics mismatch (-want +got):\n%s", diff)
	}
	if err := snap.Check(); err != nil {
		t.Errorf("statistics invariants: %v", err)
	}
}

func TestEvictionInvalidatesTranslation(t *testing.T) {
	// Two user frames: the third page evicts the first.
	e := newTestEnv(t, 4)
	for i := 0; i < 3; i++ {
		e.fault(t, hostarch.FaultWrite, dataStart+hostarch.Addr(i)*hostarch.PageSize)
	}
	if got := e.stats.Get(vmstats.TLBInvalidations); got != 1 {
		t.Errorf("TLB invalidations = %d, want 1", got)
	}
	if _, ok := e.translate(dataStart, hostarch.Read); ok {
		t.Errorf("evicted page still has a translation")
	}
	e.fault(t, hostarch.FaultRead, dataStart)
	if got := e.stats.Get(vmstats.PageFaultsFromSwap); got != 1 {
		t.Errorf("swap faults = %d, want 1", got)
	}
	if err := e.stats.Check(); err != nil {
		t.Errorf("statistics invariants: %v", err)
	}
}
