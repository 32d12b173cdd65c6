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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sys/unix"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sentry/kernel"
	"gvisor.dev/pager/pkg/sentry/vmstats"
)

const forkWorkload = `
processes:
  - name: parent
    segments:
      - {start: 0x400000, pages: 1}
      - {start: 0x10000000, pages: 8, writable: true}
    script:
      - {op: write, addr: 0x10000000, data: "inherited"}
      - {op: touch, addr: 0x10001000, pages: 7, write: true}
      - op: fork
        child:
          name: child
          script:
            - {op: read, addr: 0x10000000, expect: "inherited"}
            - {op: write, addr: 0x10000000, data: "child!!!!"}
            - {op: read, addr: 0x10000000, expect: "child!!!!"}
            - {op: exit, code: 3}
      - {op: read, addr: 0x10000000, expect: "inherited"}
  - name: vandal
    segments:
      - {start: 0x400000, pages: 1}
    script:
      - {op: read, addr: 0x400000, length: 4}
      - {op: write, addr: 0x400000, data: "oops"}
      - {op: write, addr: 0x400000, data: "never runs"}
`

func newKernel(t *testing.T, frames uint32) *kernel.Kernel {
	t.Helper()
	k, err := kernel.New(kernel.Config{Frames: frames, KernelFrames: 2, SwapSlots: 64})
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	return k
}

func shutdown(t *testing.T, k *kernel.Kernel) vmstats.Snapshot {
	t.Helper()
	snap, err := k.Shutdown()
	if err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := snap.Check(); err != nil {
		t.Errorf("statistics invariants: %v", err)
	}
	return snap
}

func TestParse(t *testing.T) {
	w, err := Parse(strings.NewReader(forkWorkload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := len(w.Processes); got != 2 {
		t.Fatalf("parsed %d processes, want 2", got)
	}
	want := Segment{Start: 0x10000000, Pages: 8, Writable: true}
	if diff := cmp.Diff(want, w.Processes[0].Segments[1]); diff != "" {
		t.Errorf("segment mismatch (-want +got):\n%s", diff)
	}
	fork := w.Processes[0].Script[2]
	if fork.Op != OpFork || fork.Child == nil || fork.Child.Name != "child" || len(fork.Child.Script) != 4 {
		t.Errorf("fork step parsed as %+v", fork)
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "", "empty workload"},
		{"no processes", "processes: []\n", "no processes"},
		{"unknown field", "processes:\n  - name: a\n    priority: 3\n", "priority"},
		{"unknown op", "processes:\n  - name: a\n    script:\n      - {op: jump}\n", `unknown op "jump"`},
		{"no name", "processes:\n  - script: []\n", "without a name"},
		{"empty read", "processes:\n  - name: a\n    script:\n      - {op: read, addr: 0x1000}\n", "length"},
		{"child segments", "processes:\n  - name: a\n    script:\n      - op: fork\n        child: {name: b, segments: [{start: 0x1000, pages: 1}]}\n", "inherits"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Parse = %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestRun(t *testing.T) {
	w, err := Parse(strings.NewReader(forkWorkload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Fewer user frames than parent and child pages together.
	k := newKernel(t, 12)
	results, err := Run(context.Background(), k, w)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []Result{
		{Name: "parent", PID: 1},
		{Name: "vandal", PID: 2, Code: int(unix.EACCES), Killed: true},
		{Name: "child", PID: 3, Code: 3},
	}
	if diff := cmp.Diff(want, results, cmpopts.IgnoreFields(Result{}, "Cause")); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	snap := shutdown(t, k)
	if snap.Get(vmstats.SwapFileWrites) == 0 {
		t.Errorf("workload larger than memory caused no swap writes")
	}
}

func TestRunDetectsMismatch(t *testing.T) {
	w, err := Parse(strings.NewReader(`
processes:
  - name: a
    segments: [{start: 0x10000000, pages: 1, writable: true}]
    script:
      - {op: write, addr: 0x10000000, data: "abc"}
      - {op: read, addr: 0x10000000, expect: "abd"}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	k := newKernel(t, 8)
	if _, err := Run(context.Background(), k, w); err == nil || !strings.Contains(err.Error(), `want "abd"`) {
		t.Errorf("Run = %v, want a mismatch error", err)
	}
	shutdown(t, k)
}

func TestLoadMissingImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "w.yaml")
	if err := os.WriteFile(path, []byte("processes:\n  - name: a\n    image: prog.elf\n"), 0644); err != nil {
		t.Fatal(err)
	}
	w, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	k := newKernel(t, 8)
	if _, err := Run(context.Background(), k, w); err == nil || !strings.Contains(err.Error(), filepath.Join(dir, "prog.elf")) {
		t.Errorf("Run = %v, want an error naming the image path", err)
	}
	shutdown(t, k)
}

func TestStress(t *testing.T) {
	// Each process alone touches more pages than the 18 user frames.
	k := newKernel(t, 20)
	opts := StressOpts{Processes: 3, Pages: 24, Accesses: 1000, Seed: 1}
	if err := Stress(context.Background(), k, opts); err != nil {
		t.Fatalf("Stress: %v", err)
	}
	snap := shutdown(t, k)
	if snap.Get(vmstats.PageFaultsFromSwap) == 0 {
		t.Errorf("no page was read back from swap")
	}
	if got := k.Coremap.Stats().Owned; got != 0 {
		t.Errorf("%d frames still owned after Stress", got)
	}
}

func TestSegment(t *testing.T) {
	s := Segment{Start: 0x10000000, Pages: 3, Writable: true}.Segment()
	if want := (hostarch.AddrRange{Start: 0x10000000, End: 0x10003000}); s.Range != want || !s.Writable {
		t.Errorf("Segment() = %v, want %v writable", s, want)
	}
}
