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
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/kernel"
	"gvisor.dev/pager/pkg/sync"
)

// Result is the outcome of one process.
type Result struct {
	Name string
	PID  int32
	Code int

	// Killed is set if the process was terminated by a fault.
	Killed bool
	Cause  string
}

// String implements fmt.Stringer.String.
func (r Result) String() string {
	if r.Killed {
		return fmt.Sprintf("%d %s: killed (code %d): %s", r.PID, r.Name, r.Code, r.Cause)
	}
	return fmt.Sprintf("%d %s: exited (code %d)", r.PID, r.Name, r.Code)
}

type runner struct {
	k   *kernel.Kernel
	dir string
	g   *errgroup.Group

	mu    sync.Mutex
	procs []*kernel.Process
}

// Run starts every process of w on k and waits for all of them, including
// forked children. Faults that kill a process are reported in its Result; an
// error is returned only if the workload itself fails: a process cannot be
// created or a read returns unexpected data.
func Run(ctx context.Context, k *kernel.Kernel, w *Workload) ([]Result, error) {
	g, ctx := errgroup.WithContext(ctx)
	r := &runner{k: k, dir: w.dir, g: g}
	var startErr error
	for i := range w.Processes {
		desc := &w.Processes[i]
		p, err := r.start(desc)
		if err != nil {
			startErr = fmt.Errorf("starting %q: %w", desc.Name, err)
			break
		}
		g.Go(func() error {
			return r.run(ctx, p, desc.Script)
		})
	}
	err := g.Wait()
	if startErr != nil {
		err = startErr
	}
	return r.results(), err
}

func (r *runner) add(p *kernel.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs = append(r.procs, p)
}

func (r *runner) start(desc *Process) (*kernel.Process, error) {
	var image io.ReaderAt
	if desc.Image != "" {
		path := desc.Image
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.dir, path)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		image = bytes.NewReader(b)
	}
	p, err := r.k.NewProcess(desc.Name, image)
	if err != nil {
		return nil, err
	}
	r.add(p)
	for _, s := range desc.Segments {
		if err := p.AddressSpace().DefineRegion(s.Segment()); err != nil {
			p.Exit(1)
			return nil, err
		}
	}
	return p, nil
}

// run executes script in p and exits p when the script ends.
func (r *runner) run(ctx context.Context, p *kernel.Process, script []Step) error {
	defer p.Exit(0)
	for i, s := range script {
		done, err := r.step(ctx, p, &s)
		if err != nil {
			return fmt.Errorf("%v step %d (%s): %w", p, i, s.Op, err)
		}
		if done {
			return nil
		}
	}
	return nil
}

// step executes s. It returns true if p is gone.
func (r *runner) step(ctx context.Context, p *kernel.Process, s *Step) (bool, error) {
	var err error
	switch s.Op {
	case OpWrite:
		err = p.Write(ctx, s.Addr, []byte(s.Data))
	case OpRead:
		n := s.Length
		if s.Expect != nil {
			n = len(*s.Expect)
		}
		buf := make([]byte, n)
		if err = p.Read(ctx, s.Addr, buf); err == nil && s.Expect != nil && string(buf) != *s.Expect {
			return true, fmt.Errorf("read %q at %v, want %q", buf, s.Addr, *s.Expect)
		}
	case OpTouch:
		for i := uint32(0); i < s.Pages && err == nil; i++ {
			addr := s.Addr + hostarch.Addr(i)*hostarch.PageSize
			if s.Write {
				err = p.Write(ctx, addr, []byte{byte(i)})
			} else {
				err = p.Read(ctx, addr, make([]byte, 1))
			}
		}
	case OpFork:
		child, ferr := p.Fork(s.Child.Name)
		if ferr != nil {
			// fork(2) failing is not fatal; the program gives up.
			log.Warningf("%v: fork failed: %v", p, ferr)
			p.Exit(1)
			return true, nil
		}
		r.add(child)
		script := s.Child.Script
		r.g.Go(func() error {
			return r.run(ctx, child, script)
		})
	case OpExit:
		p.Exit(s.Code)
		return true, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return true, err
		}
		// The kernel has killed p.
		return true, nil
	}
	return false, nil
}

func (r *runner) results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := make([]Result, 0, len(r.procs))
	for _, p := range r.procs {
		code, _ := p.Terminated()
		res := Result{Name: p.Name(), PID: p.PID(), Code: code}
		if cause := p.Cause(); cause != nil {
			res.Killed = true
			res.Cause = cause.Error()
		}
		rs = append(rs, res)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].PID < rs[j].PID })
	return rs
}
