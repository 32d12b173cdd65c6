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


package cmd

import (
	"context"

	"github.com/google/subcommands"
	"gvisor.dev/pager/pagesim/cmd/util"
	"gvisor.dev/pager/pagesim/config"
	"gvisor.dev/pager/pagesim/flag"
	"gvisor.dev/pager/pagesim/workload"
	"gvisor.dev/pager/pkg/log"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	procs    int
	pages    uint
	accesses int
	seed     int64
	stats    bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run processes that verify random accesses under memory pressure"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - boot a kernel and run concurrent verifying processes.

Each process writes and reads back random words of its data segment. The
command fails if any read returns data other than what was last written.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.procs, "procs", 4, "number of concurrent processes.")
	f.UintVar(&s.pages, "pages", 64, "data segment size of each process, in pages.")
	f.IntVar(&s.accesses, "accesses", 10000, "number of random accesses per process.")
	f.Int64Var(&s.seed, "seed", 1, "seed of the access pattern.")
	f.BoolVar(&s.stats, "stats", true, "print VM statistics after the run.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := bootKernel(conf)
	if err != nil {
		return util.Errorf("booting kernel: %v", err)
	}
	opts := workload.StressOpts{
		Processes: s.procs,
		Pages:     uint32(s.pages),
		Accesses:  s.accesses,
		Seed:      s.seed,
	}
	log.Infof("Stress: %d processes, %d pages, %d accesses, seed %d", opts.Processes, opts.Pages, opts.Accesses, opts.Seed)
	return finish(conf, k, s.stats, workload.Stress(ctx, k, opts))
}
