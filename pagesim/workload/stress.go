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


package workload

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/kernel"
	"gvisor.dev/pager/pkg/sentry/mm"
)

// StressBase is the start of the data segment of stress processes.
const StressBase = hostarch.Addr(0x10000000)

// StressOpts are options to Stress.
type StressOpts struct {
	// Processes is the number of concurrent processes.
	Processes int

	// Pages is the size of each process's data segment.
	Pages uint32

	// Accesses is the number of random accesses per process.
	Accesses int

	// Seed seeds the access pattern. Process i uses Seed+i.
	Seed int64
}

// Stress runs processes that read and write random words of their data
// segment and checks every read against the last value written. All
// processes are created before any of them runs, and each yields between
// accesses so that their faults interleave. An error is returned if a process
// is killed or reads back unexpected data.
func Stress(ctx context.Context, k *kernel.Kernel, opts StressOpts) error {
	if opts.Processes <= 0 || opts.Pages == 0 {
		return fmt.Errorf("stress needs at least one process and one page")
	}
	procs := make([]*kernel.Process, 0, opts.Processes)
	for i := 0; i < opts.Processes; i++ {
		p, err := startStress(k, i, opts.Pages)
		if err != nil {
			for _, p := range procs {
				p.Exit(1)
			}
			return err
		}
		procs = append(procs, p)
	}
	g, ctx := errgroup.WithContext(ctx)
	for i, p := range procs {
		rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
		g.Go(func() error {
			defer p.Exit(0)
			return stressProcess(ctx, k, p, rng, opts)
		})
	}
	return g.Wait()
}

func startStress(k *kernel.Kernel, i int, pages uint32) (*kernel.Process, error) {
	p, err := k.NewProcess(fmt.Sprintf("stress-%d", i), nil)
	if err != nil {
		return nil, err
	}
	seg := mm.Segment{
		Range:    hostarch.AddrRange{Start: StressBase, End: StressBase + hostarch.Addr(pages)*hostarch.PageSize},
		Writable: true,
	}
	if err := p.AddressSpace().DefineRegion(seg); err != nil {
		p.Exit(1)
		return nil, err
	}
	return p, nil
}

// stressProcess accesses one word per page, at an offset derived from the
// page number.
func stressProcess(ctx context.Context, k *kernel.Kernel, p *kernel.Process, rng *rand.Rand, opts StressOpts) error {
	shadow := make([]uint64, opts.Pages)
	var buf [8]byte
	for a := 0; a < opts.Accesses; a++ {
		k.Yield()
		page := uint32(rng.Intn(int(opts.Pages)))
		addr := StressBase + hostarch.Addr(page)*hostarch.PageSize + hostarch.Addr(page%512)*8
		if rng.Intn(2) == 0 {
			v := uint64(p.PID())<<48 | uint64(a)<<16 | uint64(page)
			binary.LittleEndian.PutUint64(buf[:], v)
			if err := p.Write(ctx, addr, buf[:]); err != nil {
				return fmt.Errorf("%v: write at %v: %w", p, addr, err)
			}
			shadow[page] = v
			continue
		}
		if err := p.Read(ctx, addr, buf[:]); err != nil {
			return fmt.Errorf("%v: read at %v: %w", p, addr, err)
		}
		if got := binary.LittleEndian.Uint64(buf[:]); got != shadow[page] {
			return fmt.Errorf("%v: page %d holds %#x, want %#x", p, page, got, shadow[page])
		}
	}
	log.Debugf("%v: %d accesses verified", p, opts.Accesses)
	return nil
}
