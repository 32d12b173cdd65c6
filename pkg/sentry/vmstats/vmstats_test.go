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

package vmstats

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

func TestPrintBalanced(t *testing.T) {
	s := New()
	s.Add(TLBFaults, 5)
	s.Add(TLBFaultsWithFree, 3)
	s.Add(TLBFaultsWithReplace, 2)
	s.Add(TLBReloads, 1)
	s.Add(PageFaultsZeroed, 2)
	s.Add(PageFaultsDisk, 2)
	s.Inc(PageFaultsFromELF)
	s.Inc(PageFaultsFromSwap)
	s.Inc(SwapFileWrites)

	var buf bytes.Buffer
	if err := s.Print(&buf); err != nil {
		t.Fatalf("Print: %v", err)
	}
	want := "\nStatistics:\n\n" +
		"tlb_faults                : 5\n" +
		"tlb_faults_with_free      : 3\n" +
		"tlb_faults_with_replace   : 2\n" +
		"tlb_invalidations         : 0\n" +
		"tlb_reloads               : 1\n" +
		"page_faults_zeroed        : 2\n" +
		"page_faults_disk          : 2\n" +
		"page_faults_from_elf      : 1\n" +
		"page_faults_from_swap     : 1\n" +
		"swap_file_writes          : 1\n" +
		"\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("Print mismatch (-want +got):\n%s", diff)
	}
	if err := s.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestViolations(t *testing.T) {
	for _, tc := range []struct {
		name string
		snap Snapshot
		want []string
	}{
		{
			name: "zero",
		},
		{
			name: "missing install",
			snap: Snapshot{TLBFaults: 1, PageFaultsZeroed: 1},
			want: []string{"tlb_faults = tlb_faults_with_free + tlb_faults_with_replace"},
		},
		{
			name: "disk without source",
			snap: Snapshot{TLBFaults: 1, TLBFaultsWithFree: 1, PageFaultsDisk: 1},
			want: []string{"page_faults_disk = page_faults_from_elf + page_faults_from_swap"},
		},
		{
			name: "all broken",
			snap: Snapshot{TLBFaults: 2, PageFaultsDisk: 1},
			want: []string{
				"tlb_faults = tlb_faults_with_free + tlb_faults_with_replace",
				"tlb_faults = tlb_reloads + page_faults_zeroed + page_faults_disk",
				"page_faults_disk = page_faults_from_elf + page_faults_from_swap",
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, tc.snap.Violations()); diff != "" {
				t.Errorf("Violations mismatch (-want +got):\n%s", diff)
			}
			var buf bytes.Buffer
			if err := tc.snap.Print(&buf); err != nil {
				t.Fatalf("Print: %v", err)
			}
			if got := strings.Count(buf.String(), "Warning the property"); got != len(tc.want) {
				t.Errorf("report has %d warnings, want %d:\n%s", got, len(tc.want), buf.String())
			}
			if err := tc.snap.Check(); (err != nil) != (len(tc.want) != 0) {
				t.Errorf("Check() = %v, want error: %t", err, len(tc.want) != 0)
			}
		})
	}
}

func TestNilStats(t *testing.T) {
	var s *Stats
	s.Inc(TLBFaults)
	if got := s.Get(TLBFaults); got != 0 {
		t.Errorf("nil Stats Get = %d, want 0", got)
	}
}

func TestWritePrometheus(t *testing.T) {
	s := New()
	s.Add(SwapFileWrites, 7)
	s.Add(TLBFaults, 3)

	var buf bytes.Buffer
	if err := s.WritePrometheus(&buf, "pager"); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("TextToMetricFamilies: %v", err)
	}
	if got := len(families); got != int(NumCounters) {
		t.Errorf("got %d metric families, want %d", got, NumCounters)
	}
	for name, want := range map[string]float64{
		"pager_swap_file_writes": 7,
		"pager_tlb_faults":       3,
		"pager_tlb_reloads":      0,
	} {
		mf, ok := families[name]
		if !ok {
			t.Errorf("metric %q missing", name)
			continue
		}
		if got := mf.GetMetric()[0].GetCounter().GetValue(); got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}

func TestCounterString(t *testing.T) {
	if got := PageFaultsFromSwap.String(); got != "page_faults_from_swap" {
		t.Errorf("String() = %q", got)
	}
	if got := Counter(99).String(); got != "Counter(99)" {
		t.Errorf("String() = %q", got)
	}
}
