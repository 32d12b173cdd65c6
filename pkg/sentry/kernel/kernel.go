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


// Package kernel ties the virtual memory subsystem together: it boots the
// simulated machine, owns the frame allocator, swap store and TLB, and runs
// processes whose user accesses go through the fault handler.
package kernel

import (
	goerrors "errors"
	"fmt"
	"time"

	"gvisor.dev/pager/pkg/cleanup"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/coremap"
	"gvisor.dev/pager/pkg/sentry/fault"
	"gvisor.dev/pager/pkg/sentry/machine"
	"gvisor.dev/pager/pkg/sentry/mm"
	"gvisor.dev/pager/pkg/sentry/pagetable"
	"gvisor.dev/pager/pkg/sentry/swap"
	"gvisor.dev/pager/pkg/sentry/tlb"
	"gvisor.dev/pager/pkg/sentry/vmstats"
	"gvisor.dev/pager/pkg/sync"
)

// Config configures a Kernel.
type Config struct {
	// Frames is the amount of physical memory, in frames.
	Frames uint32

	// KernelFrames is the number of frames taken by the kernel image.
	KernelFrames uint32

	// SwapFile is the host path of the swap file. If empty, swap is kept in
	// memory.
	SwapFile string

	// SwapSlots is the number of swap slots. If 0, swap.DefaultSlots is
	// used.
	SwapSlots int

	// StackPages is the size of each process's stack region. If 0,
	// mm.DefaultStackPages is used.
	StackPages uint32

	// AllocRetries bounds the attempts to find a frame when every frame is
	// pinned. If 0, pagetable.DefaultRetryAttempts is used.
	AllocRetries int

	// WarnInterval rate limits fault failure warnings.
	WarnInterval time.Duration
}

// Kernel is the simulated kernel.
type Kernel struct {
	RAM     *machine.RAM
	TLB     *machine.TLB
	Coremap *coremap.Coremap
	Swap    *swap.Store
	TLBSync *tlb.Synchronizer
	Stats   *vmstats.Stats
	Faults  *fault.Handler

	asids *mm.ASIDs
	cfg   Config

	// mu protects the fields below.
	mu       sync.Mutex
	procs    map[int32]*Process
	nextPID  int32
	shutdown bool
}

// New boots a kernel. Failing to create the frame allocator or the swap
// store is fatal.
func New(cfg Config) (*Kernel, error) {
	if cfg.Frames == 0 || cfg.Frames > hostarch.MaxFrameNumber+1 {
		return nil, fmt.Errorf("physical memory of %d frames: %w", cfg.Frames, linuxerr.EINVAL)
	}
	stats := vmstats.New()
	swapOpts := swap.Opts{Slots: cfg.SwapSlots, Stats: stats}
	var (
		store *swap.Store
		err   error
	)
	if cfg.SwapFile != "" {
		store, err = swap.OpenFile(cfg.SwapFile, swapOpts)
	} else {
		slots := cfg.SwapSlots
		if slots == 0 {
			slots = swap.DefaultSlots
		}
		store, err = swap.Open(swap.NewMemFile(slots), swapOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("creating swap: %w", err)
	}
	cu := cleanup.Make(func() {
		if err := store.Close(); err != nil {
			log.Warningf("Closing swap after failed boot: %v", err)
		}
	})
	defer cu.Clean()

	ram := machine.NewRAM(cfg.Frames)
	hw := machine.NewTLB()
	tlbs := tlb.New(hw, stats)
	cm, err := coremap.New(coremap.Opts{
		RAM:         ram,
		FirstFree:   cfg.KernelFrames,
		Evictor:     store,
		Invalidator: tlbs,
	})
	if err != nil {
		return nil, fmt.Errorf("creating frame allocator: %w", err)
	}
	k := &Kernel{
		RAM:     ram,
		TLB:     hw,
		Coremap: cm,
		Swap:    store,
		TLBSync: tlbs,
		Stats:   stats,
		Faults: fault.New(fault.Opts{
			Coremap:      cm,
			TLB:          tlbs,
			Stats:        stats,
			WarnInterval: cfg.WarnInterval,
		}),
		asids:   mm.NewASIDs(),
		cfg:     cfg,
		procs:   make(map[int32]*Process),
		nextPID: 1,
	}
	cu.Release()
	log.Infof("Kernel booted: %d frames (%d kernel), %d swap slots", cfg.Frames, cfg.KernelFrames, store.Slots())
	return k, nil
}

// Yield gives up the processor. It runs between frame allocation retries.
func (k *Kernel) Yield() {
	sync.Goyield()
}

func (k *Kernel) mmOpts() mm.Opts {
	return mm.Opts{
		PageTable: pagetable.Opts{
			Coremap:       k.Coremap,
			Swap:          k.Swap,
			RAM:           k.RAM,
			Stats:         k.Stats,
			RetryAttempts: k.cfg.AllocRetries,
			Yield:         k.Yield,
		},
		TLB:        k.TLBSync,
		ASIDs:      k.asids,
		StackPages: k.cfg.StackPages,
	}
}

// AllocKernelPages allocates n contiguous pinned frames for kernel use and
// returns the first. Kernel pages are never evicted.
func (k *Kernel) AllocKernelPages(n uint32) (uint32, error) {
	return k.Coremap.AllocateRun(n, true, coremap.OwnerRef{})
}

// FreeKernelPages frees a run returned by AllocKernelPages.
func (k *Kernel) FreeKernelPages(frame uint32) {
	k.Coremap.FreeRun(frame)
}

// Processes returns the live processes.
func (k *Kernel) Processes() []*Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	ps := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		ps = append(ps, p)
	}
	return ps
}

// register assigns a PID to p and adds it to the process table.
func (k *Kernel) register(p *Process) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.shutdown {
		return fmt.Errorf("kernel is shut down: %w", linuxerr.EPERM)
	}
	p.pid = k.nextPID
	k.nextPID++
	k.procs[p.pid] = p
	return nil
}

func (k *Kernel) unregister(p *Process) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.procs, p.pid)
}

// Shutdown exits every remaining process, closes the swap store and checks
// the frame allocator. It returns the final statistics.
func (k *Kernel) Shutdown() (vmstats.Snapshot, error) {
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		return k.Stats.Snapshot(), fmt.Errorf("kernel already shut down: %w", linuxerr.EPERM)
	}
	k.shutdown = true
	k.mu.Unlock()

	for _, p := range k.Processes() {
		log.Infof("Shutdown: killing %v", p)
		p.Exit(0)
	}
	var errs []error
	if err := k.Swap.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing swap: %w", err))
	}
	if err := k.Coremap.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	snap := k.Stats.Snapshot()
	log.Infof("Kernel shut down: %d TLB faults, %d swap writes", snap.Get(vmstats.TLBFaults), snap.Get(vmstats.SwapFileWrites))
	return snap, goerrors.Join(errs...)
}
