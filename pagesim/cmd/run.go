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
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/pager/pagesim/cmd/util"
	"gvisor.dev/pager/pagesim/config"
	"gvisor.dev/pager/pagesim/flag"
	"gvisor.dev/pager/pagesim/workload"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/kernel"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// stats reports the statistics on stdout when set.
	stats bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run the processes described by a workload file"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <workload.yaml> - boot a kernel and run a workload.

The workload file lists processes with their program image, segments and an
access script. Each process runs in its own goroutine. The exit status of each
process and the final VM statistics are printed once all processes exit.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.stats, "stats", true, "print VM statistics after the workload finishes.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	w, err := workload.Load(f.Arg(0))
	if err != nil {
		return util.Errorf("loading workload: %v", err)
	}
	k, err := bootKernel(conf)
	if err != nil {
		return util.Errorf("booting kernel: %v", err)
	}
	results, runErr := workload.Run(ctx, k, w)
	for _, res := range results {
		fmt.Fprintln(os.Stdout, res)
	}
	return finish(conf, k, r.stats, runErr)
}

// finish shuts the kernel down and reports its statistics. Statistics are
// reported even if runErr is set.
func finish(conf *config.Config, k *kernel.Kernel, stats bool, runErr error) subcommands.ExitStatus {
	snap, err := k.Shutdown()
	if err != nil {
		log.Warningf("Shutdown: %v", err)
	}
	if stats {
		if err := writeStats(conf, os.Stdout, snap); err != nil {
			return util.Errorf("writing statistics: %v", err)
		}
	}
	if runErr != nil {
		return util.Errorf("running workload: %v", runErr)
	}
	if err != nil {
		return util.Errorf("shutting down: %v", err)
	}
	if err := snap.Check(); err != nil {
		return util.Errorf("inconsistent statistics: %v", err)
	}
	return subcommands.ExitSuccess
}
