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

// Package vmstats counts paging events and reports them at shutdown.
//
// The counters obey three identities once the system is quiescent:
//
//	tlb_faults       = tlb_faults_with_free + tlb_faults_with_replace
//	tlb_faults       = tlb_reloads + page_faults_zeroed + page_faults_disk
//	page_faults_disk = page_faults_from_elf + page_faults_from_swap
//
// Print and Check report any identity that does not hold.
package vmstats

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Counter identifies one statistic.
type Counter int

// Counters, in report order.
const (
	TLBFaults Counter = iota
	TLBFaultsWithFree
	TLBFaultsWithReplace
	TLBInvalidations
	TLBReloads
	PageFaultsZeroed
	PageFaultsDisk
	PageFaultsFromELF
	PageFaultsFromSwap
	SwapFileWrites

	// NumCounters is the number of counters.
	NumCounters
)

var counterNames = [NumCounters]string{
	TLBFaults:            "tlb_faults",
	TLBFaultsWithFree:    "tlb_faults_with_free",
	TLBFaultsWithReplace: "tlb_faults_with_replace",
	TLBInvalidations:     "tlb_invalidations",
	TLBReloads:           "tlb_reloads",
	PageFaultsZeroed:     "page_faults_zeroed",
	PageFaultsDisk:       "page_faults_disk",
	PageFaultsFromELF:    "page_faults_from_elf",
	PageFaultsFromSwap:   "page_faults_from_swap",
	SwapFileWrites:       "swap_file_writes",
}

var counterHelp = [NumCounters]string{
	TLBFaults:            "TLB faults resolved.",
	TLBFaultsWithFree:    "TLB faults installed into a free TLB slot.",
	TLBFaultsWithReplace: "TLB faults that replaced a TLB entry.",
	TLBInvalidations:     "TLB entries invalidated.",
	TLBReloads:           "TLB faults on pages already resident.",
	PageFaultsZeroed:     "Page faults satisfied with a zero-filled frame.",
	PageFaultsDisk:       "Page faults that read the page from disk.",
	PageFaultsFromELF:    "Page faults that loaded the page from the executable.",
	PageFaultsFromSwap:   "Page faults that read the page back from swap.",
	SwapFileWrites:       "Pages written to the swap file.",
}

// String implements fmt.Stringer.String.
func (c Counter) String() string {
	if c < 0 || c >= NumCounters {
		return fmt.Sprintf("Counter(%d)", int(c))
	}
	return counterNames[c]
}

// Stats is a set of counters. The zero value is ready to use. A nil *Stats
// discards increments.
type Stats struct {
	counters [NumCounters]atomic.Uint64
}

// New returns zeroed counters.
func New() *Stats {
	return &Stats{}
}

// Inc increments c.
func (s *Stats) Inc(c Counter) {
	s.Add(c, 1)
}

// Add adds n to c.
func (s *Stats) Add(c Counter, n uint64) {
	if s == nil {
		return
	}
	s.counters[c].Add(n)
}

// Get returns the value of c.
func (s *Stats) Get(c Counter) uint64 {
	if s == nil {
		return 0
	}
	return s.counters[c].Load()
}

// Snapshot returns the current value of every counter. Counters are read one
// at a time, so a snapshot taken while faults are in flight may not satisfy
// the identities.
func (s *Stats) Snapshot() Snapshot {
	var snap Snapshot
	for c := Counter(0); c < NumCounters; c++ {
		snap[c] = s.Get(c)
	}
	return snap
}

// Print writes the report for a snapshot of s to w.
func (s *Stats) Print(w io.Writer) error {
	return s.Snapshot().Print(w)
}

// Check returns an error naming every identity that does not hold.
func (s *Stats) Check() error {
	return s.Snapshot().Check()
}

// WritePrometheus writes a snapshot of s to w in the Prometheus text format.
func (s *Stats) WritePrometheus(w io.Writer, prefix string) error {
	return s.Snapshot().WritePrometheus(w, prefix)
}

// Snapshot holds counter values.
type Snapshot [NumCounters]uint64

// Get returns the value of c.
func (s Snapshot) Get(c Counter) uint64 {
	return s[c]
}

// property is one of the identities between counters.
type property struct {
	desc  string
	holds func(s Snapshot) bool
}

var properties = []property{
	{
		desc: "tlb_faults = tlb_faults_with_free + tlb_faults_with_replace",
		holds: func(s Snapshot) bool {
			return s[TLBFaults] == s[TLBFaultsWithFree]+s[TLBFaultsWithReplace]
		},
	},
	{
		desc: "tlb_faults = tlb_reloads + page_faults_zeroed + page_faults_disk",
		holds: func(s Snapshot) bool {
			return s[TLBFaults] == s[TLBReloads]+s[PageFaultsZeroed]+s[PageFaultsDisk]
		},
	},
	{
		desc: "page_faults_disk = page_faults_from_elf + page_faults_from_swap",
		holds: func(s Snapshot) bool {
			return s[PageFaultsDisk] == s[PageFaultsFromELF]+s[PageFaultsFromSwap]
		},
	},
}

// Violations returns the identities that do not hold in s.
func (s Snapshot) Violations() []string {
	var v []string
	for _, p := range properties {
		if !p.holds(s) {
			v = append(v, p.desc)
		}
	}
	return v
}

// Check returns an error naming every identity that does not hold in s.
func (s Snapshot) Check() error {
	v := s.Violations()
	if len(v) == 0 {
		return nil
	}
	return fmt.Errorf("statistics do not hold: %s", strings.Join(v, "; "))
}

// Print writes the statistics report to w, followed by a warning for each
// identity that does not hold.
func (s Snapshot) Print(w io.Writer) error {
	var b strings.Builder
	b.WriteString("\nStatistics:\n\n")
	for c := Counter(0); c < NumCounters; c++ {
		fmt.Fprintf(&b, "%-26s: %d\n", c, s[c])
	}
	for _, v := range s.Violations() {
		fmt.Fprintf(&b, "Warning the property '%s' does not hold\n", v)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// WritePrometheus writes s to w in the Prometheus text exposition format.
// Every counter is prefixed with prefix and an underscore, if non-empty.
func (s Snapshot) WritePrometheus(w io.Writer, prefix string) error {
	for c := Counter(0); c < NumCounters; c++ {
		name := c.String()
		if prefix != "" {
			name = prefix + "_" + name
		}
		mf := &dto.MetricFamily{
			Name: proto.String(name),
			Help: proto.String(counterHelp[c]),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{{
				Counter: &dto.Counter{Value: proto.Float64(float64(s[c]))},
			}},
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %s: %w", name, err)
		}
	}
	return nil
}
