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


package mm

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/pager/pkg/hostarch"
)

// MaxSegments is the maximum number of segments in an address space,
// excluding the stack.
const MaxSegments = 8

// Segment is a region of an address space defined by the program image.
type Segment struct {
	// Range is the page-aligned extent of the segment.
	Range hostarch.AddrRange

	// Writable is true if user writes to the segment are permitted.
	Writable bool

	// FileAddr is the virtual address at which the file-backed part of the
	// segment starts. It need not be page aligned.
	FileAddr hostarch.Addr

	// FileOffset is the offset in the image of the byte mapped at FileAddr.
	FileOffset int64

	// FileSize is the number of bytes backed by the image. The rest of the
	// segment is zero filled. If FileSize is 0 the segment is anonymous.
	FileSize uint32
}

// String implements fmt.Stringer.String.
func (s Segment) String() string {
	perms := "r-"
	if s.Writable {
		perms = "rw"
	}
	if s.FileSize == 0 {
		return fmt.Sprintf("[%v, %v) %s anon", s.Range.Start, s.Range.End, perms)
	}
	return fmt.Sprintf("[%v, %v) %s file %#x+%#x@%v", s.Range.Start, s.Range.End, perms, s.FileOffset, s.FileSize, s.FileAddr)
}

// fileRange returns the addresses backed by the image.
func (s Segment) fileRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: s.FileAddr, End: s.FileAddr + hostarch.Addr(s.FileSize)}
}

// segmentSet is an ordered set of non-overlapping segments keyed by start
// address.
type segmentSet struct {
	tree *btree.BTreeG[Segment]
}

func segmentLess(a, b Segment) bool {
	return a.Range.Start < b.Range.Start
}

func newSegmentSet() segmentSet {
	return segmentSet{tree: btree.NewG(4, segmentLess)}
}

// clone returns a copy of s. Later changes to either are not visible in the
// other.
func (s segmentSet) clone() segmentSet {
	return segmentSet{tree: s.tree.Clone()}
}

// find returns the segment containing addr.
func (s segmentSet) find(addr hostarch.Addr) (Segment, bool) {
	var (
		found Segment
		ok    bool
	)
	s.tree.DescendLessOrEqual(Segment{Range: hostarch.AddrRange{Start: addr}}, func(seg Segment) bool {
		found, ok = seg, seg.Range.Contains(addr)
		return false
	})
	return found, ok
}

// overlaps returns an existing segment overlapping ar.
func (s segmentSet) overlaps(ar hostarch.AddrRange) (Segment, bool) {
	var (
		found Segment
		ok    bool
	)
	s.tree.DescendLessOrEqual(Segment{Range: hostarch.AddrRange{Start: ar.End - 1}}, func(seg Segment) bool {
		found, ok = seg, seg.Range.Overlaps(ar)
		return false
	})
	return found, ok
}

func (s segmentSet) insert(seg Segment) {
	s.tree.ReplaceOrInsert(seg)
}

func (s segmentSet) len() int {
	return s.tree.Len()
}

// slice returns the segments in address order.
func (s segmentSet) slice() []Segment {
	segs := make([]Segment, 0, s.tree.Len())
	s.tree.Ascend(func(seg Segment) bool {
		segs = append(segs, seg)
		return true
	})
	return segs
}
