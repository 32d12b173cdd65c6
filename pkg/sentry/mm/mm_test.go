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
	"bytes"
	"debug/elf"
	"encoding/binary"
	goerrors "errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sentry/coremap"
	"gvisor.dev/pager/pkg/sentry/machine"
	"gvisor.dev/pager/pkg/sentry/pagetable"
	"gvisor.dev/pager/pkg/sentry/swap"
	"gvisor.dev/pager/pkg/sentry/tlb"
	"gvisor.dev/pager/pkg/sentry/vmstats"
)

type testEnv struct {
	ram   *machine.RAM
	cm    *coremap.Coremap
	tlb   *tlb.Synchronizer
	asids *ASIDs
	stats *vmstats.Stats
	opts  Opts
}

func newTestEnv(t *testing.T, frames uint32) *testEnv {
	t.Helper()
	stats := vmstats.New()
	s, err := swap.Open(swap.NewMemFile(16), swap.Opts{Slots: 16, Stats: stats})
	if err != nil {
		t.Fatalf("swap.Open: %v", err)
	}
	ram := machine.NewRAM(frames)
	tlbs := tlb.New(machine.NewTLB(), stats)
	cm, err := coremap.New(coremap.Opts{RAM: ram, FirstFree: 1, Evictor: s, Invalidator: tlbs})
	if err != nil {
		t.Fatalf("coremap.New: %v", err)
	}
	e := &testEnv{ram: ram, cm: cm, tlb: tlbs, asids: NewASIDs(), stats: stats}
	e.opts = Opts{
		PageTable: pagetable.Opts{Coremap: cm, Swap: s, RAM: ram, Stats: stats},
		TLB:       tlbs,
		ASIDs:     e.asids,
	}
	return e
}

func (e *testEnv) newAS(t *testing.T) *AddressSpace {
	t.Helper()
	as, err := New(e.opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(as.Destroy)
	return as
}

// page resolves addr and returns the content of its frame.
func (e *testEnv) page(t *testing.T, as *AddressSpace, addr hostarch.Addr) []byte {
	t.Helper()
	frame, err := as.PageTable().Resolve(addr, pagetable.ResolveOpts{})
	if err != nil {
		t.Fatalf("Resolve(%v): %v", addr, err)
	}
	defer e.cm.Unpin(frame)
	return append([]byte(nil), e.ram.Frame(frame)...)
}

func seg(start, end hostarch.Addr, writable bool) Segment {
	return Segment{Range: hostarch.AddrRange{Start: start, End: end}, Writable: writable}
}

func TestASIDs(t *testing.T) {
	a := NewASIDs()
	seen := make(map[uint32]bool)
	for i := 0; i < NumASIDs; i++ {
		asid, err := a.Get()
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		if asid == 0 || asid > NumASIDs || seen[asid] {
			t.Fatalf("Get #%d returned bad or duplicate ASID %d", i, asid)
		}
		seen[asid] = true
	}
	if _, err := a.Get(); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Fatalf("Get with every ASID in use: got %v, want EAGAIN", err)
	}
	a.Put(7)
	if asid, err := a.Get(); err != nil || asid != 7 {
		t.Errorf("Get after Put(7) = %d, %v; want 7", asid, err)
	}
	if got := a.InUse(); got != NumASIDs {
		t.Errorf("InUse() = %d, want %d", got, NumASIDs)
	}
}

func TestASIDDoublePutPanics(t *testing.T) {
	a := NewASIDs()
	asid, _ := a.Get()
	a.Put(asid)
	defer func() {
		if recover() == nil {
			t.Errorf("second Put(%d) did not panic", asid)
		}
	}()
	a.Put(asid)
}

func TestDefineRegion(t *testing.T) {
	e := newTestEnv(t, 8)
	as := e.newAS(t)
	if err := as.DefineRegion(seg(0x400000, 0x402000, false)); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}
	for _, tc := range []struct {
		name string
		seg  Segment
		want *errors.Error
	}{
		{"empty", seg(0x500000, 0x500000, true), linuxerr.EINVAL},
		{"unaligned", seg(0x500010, 0x501000, true), linuxerr.EINVAL},
		{"null page", seg(0, 0x1000, true), linuxerr.EINVAL},
		{"kernel", seg(0x7ffff000, 0x80001000, true), linuxerr.EINVAL},
		{"stack", seg(0x7ffe0000, 0x7fff0000, true), linuxerr.EINVAL},
		{"overlap start", seg(0x3ff000, 0x401000, true), linuxerr.EEXIST},
		{"overlap end", seg(0x401000, 0x403000, true), linuxerr.EEXIST},
		{"inside", seg(0x400000, 0x401000, true), linuxerr.EEXIST},
		{"file outside", Segment{Range: hostarch.AddrRange{Start: 0x600000, End: 0x601000}, FileAddr: 0x600800, FileSize: 0x1000}, linuxerr.EINVAL},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := as.DefineRegion(tc.seg); !linuxerr.Equals(tc.want, err) {
				t.Errorf("DefineRegion(%v) = %v, want %v", tc.seg, err, tc.want)
			}
		})
	}
	if got := len(as.Segments()); got != 1 {
		t.Errorf("rejected regions were defined: %d segments", got)
	}
}

func TestSegmentLimit(t *testing.T) {
	e := newTestEnv(t, 8)
	as := e.newAS(t)
	for i := 0; i < MaxSegments; i++ {
		start := hostarch.Addr(0x100000 * (i + 1))
		if err := as.DefineRegion(seg(start, start+hostarch.PageSize, true)); err != nil {
			t.Fatalf("DefineRegion #%d: %v", i, err)
		}
	}
	if err := as.DefineRegion(seg(0x7000000, 0x7001000, true)); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("DefineRegion past the limit = %v, want ENOMEM", err)
	}
}

func TestSegmentContaining(t *testing.T) {
	e := newTestEnv(t, 8)
	as := e.newAS(t)
	text := seg(0x400000, 0x402000, false)
	data := seg(0x10000000, 0x10001000, true)
	for _, s := range []Segment{data, text} {
		if err := as.DefineRegion(s); err != nil {
			t.Fatalf("DefineRegion(%v): %v", s, err)
		}
	}
	for _, tc := range []struct {
		addr hostarch.Addr
		want Segment
		ok   bool
	}{
		{0x3fffff, Segment{}, false},
		{0x400000, text, true},
		{0x401fff, text, true},
		{0x402000, Segment{}, false},
		{0x10000abc, data, true},
		{0x10001000, Segment{}, false},
		{0x7ffff000, Segment{}, false},
	} {
		got, ok := as.SegmentContaining(tc.addr)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("SegmentContaining(%v) = %v, %t; want %v, %t", tc.addr, got, ok, tc.want, tc.ok)
		}
	}
	if diff := cmp.Diff([]Segment{text, data}, as.Segments()); diff != "" {
		t.Errorf("Segments() mismatch (-want +got):\n%s", diff)
	}
	stack := as.StackRange()
	if want := (hostarch.AddrRange{Start: hostarch.UserStackTop - DefaultStackPages*hostarch.PageSize, End: hostarch.UserStackTop}); stack != want {
		t.Errorf("StackRange() = %v, want %v", stack, want)
	}
}

const (
	textVaddr = 0x400000
	textOff   = 0x1000
	textSize  = 0x1800
	dataVaddr = 0x10000100
	dataOff   = 0x3000
	dataFile  = 0x100
	dataMem   = 0x2000
	entry     = 0x400010
)

// imageByte is the content of the test image at off.
func imageByte(off int) byte {
	return byte(off*7 + off>>8)
}

// testImage returns a little-endian MIPS executable with a read-only text
// segment and a writable data segment whose tail is bss.
func testImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_MIPS),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     52,
		Ehsize:    52,
		Phentsize: 32,
		Phnum:     3,
		Shentsize: 40,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	progs := []elf.Prog32{
		{Type: uint32(elf.PT_LOAD), Off: textOff, Vaddr: textVaddr, Filesz: textSize, Memsz: textSize, Flags: uint32(elf.PF_R | elf.PF_X), Align: 0x1000},
		{Type: uint32(elf.PT_NOTE), Off: 0x200, Filesz: 0x10, Memsz: 0x10},
		{Type: uint32(elf.PT_LOAD), Off: dataOff, Vaddr: dataVaddr, Filesz: dataFile, Memsz: dataMem, Flags: uint32(elf.PF_R | elf.PF_W), Align: 0x1000},
	}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatalf("writing header: %v", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, progs); err != nil {
		t.Fatalf("writing program headers: %v", err)
	}
	img := make([]byte, dataOff+dataFile)
	for i := range img {
		img[i] = imageByte(i)
	}
	copy(img, buf.Bytes())
	return img
}

func TestLoadELF(t *testing.T) {
	e := newTestEnv(t, 8)
	as := e.newAS(t)
	img := testImage(t)
	got, err := as.LoadELF(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("LoadELF: %v", err)
	}
	if got != entry {
		t.Errorf("LoadELF entry = %v, want %#x", got, entry)
	}
	want := []Segment{
		{Range: hostarch.AddrRange{Start: 0x400000, End: 0x402000}, FileAddr: textVaddr, FileOffset: textOff, FileSize: textSize},
		{Range: hostarch.AddrRange{Start: 0x10000000, End: 0x10003000}, Writable: true, FileAddr: dataVaddr, FileOffset: dataOff, FileSize: dataFile},
	}
	if diff := cmp.Diff(want, as.Segments()); diff != "" {
		t.Fatalf("segments mismatch (-want +got):\n%s", diff)
	}

	// Second text page: the last 0x800 bytes of text, then zeroes.
	p := e.page(t, as, 0x401000)
	for i, b := range p {
		want := byte(0)
		if i < 0x800 {
			want = imageByte(textOff + 0x1000 + i)
		}
		if b != want {
			t.Fatalf("text page byte %#x = %#x, want %#x", i, b, want)
		}
	}
	// First data page: file bytes at [0x100, 0x200), zero elsewhere.
	p = e.page(t, as, 0x10000000)
	for i, b := range p {
		want := byte(0)
		if i >= 0x100 && i < 0x200 {
			want = imageByte(dataOff + i - 0x100)
		}
		if b != want {
			t.Fatalf("data page byte %#x = %#x, want %#x", i, b, want)
		}
	}
	// bss and stack pages are zero filled.
	for _, addr := range []hostarch.Addr{0x10002000, hostarch.UserStackTop - hostarch.PageSize} {
		if p := e.page(t, as, addr); !bytes.Equal(p, make([]byte, hostarch.PageSize)) {
			t.Errorf("page %v is not zero filled", addr)
		}
	}
	if diff := cmp.Diff(map[string]uint64{"elf": 2, "disk": 2, "zeroed": 2}, map[string]uint64{
		"elf":    e.stats.Get(vmstats.PageFaultsFromELF),
		"disk":   e.stats.Get(vmstats.PageFaultsDisk),
		"zeroed": e.stats.Get(vmstats.PageFaultsZeroed),
	}); diff != "" {
		t.Errorf("fault statistics mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadELFRejects(t *testing.T) {
	e := newTestEnv(t, 8)
	as := e.newAS(t)
	if err := as.DefineRegion(seg(0x10001000, 0x10002000, true)); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}
	for _, tc := range []struct {
		name string
		img  []byte
		want *errors.Error
	}{
		{"not elf", []byte("#!/bin/sh\necho hello\n"), linuxerr.EINVAL},
		{"overlap", testImage(t), linuxerr.EEXIST},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := as.LoadELF(bytes.NewReader(tc.img)); !linuxerr.Equals(tc.want, err) {
				t.Errorf("LoadELF = %v, want %v", err, tc.want)
			}
		})
	}
	if diff := cmp.Diff([]Segment{seg(0x10001000, 0x10002000, true)}, as.Segments()); diff != "" {
		t.Errorf("failed loads changed the segments (-want +got):\n%s", diff)
	}
}

func TestForkCopiesLayoutAndPages(t *testing.T) {
	e := newTestEnv(t, 8)
	parent := e.newAS(t)
	if _, err := parent.LoadELF(bytes.NewReader(testImage(t))); err != nil {
		t.Fatalf("LoadELF: %v", err)
	}
	stackPage := hostarch.UserStackTop - hostarch.PageSize
	frame, err := parent.PageTable().Resolve(stackPage, pagetable.ResolveOpts{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	copy(e.ram.Frame(frame), "parent stack")
	e.cm.Unpin(frame)

	child, err := parent.Fork()
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	defer child.Destroy()
	if child.ASID() == parent.ASID() {
		t.Errorf("child shares ASID %d with its parent", child.ASID())
	}
	if diff := cmp.Diff(parent.Layout(), child.Layout()); diff != "" {
		t.Errorf("child layout mismatch (-parent +child):\n%s", diff)
	}
	if got := e.page(t, child, stackPage); !bytes.HasPrefix(got, []byte("parent stack")) {
		t.Errorf("child stack page = %q..., want the parent's content", got[:12])
	}

	// The layouts are independent after the fork.
	if err := parent.DefineRegion(seg(0x20000000, 0x20001000, true)); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}
	if _, ok := child.SegmentContaining(0x20000000); ok {
		t.Errorf("segment defined in the parent after fork is visible in the child")
	}
}

func TestDestroyFlushesAndReleasesASID(t *testing.T) {
	e := newTestEnv(t, 8)
	as, err := New(e.opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := as.DefineRegion(seg(0x400000, 0x401000, true)); err != nil {
		t.Fatalf("DefineRegion: %v", err)
	}
	frame, err := as.PageTable().Resolve(0x400000, pagetable.ResolveOpts{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	e.tlb.Install(as.ASID(), 0x400000, frame, true)
	e.cm.Unpin(frame)
	free := e.cm.Stats().Free

	as.Destroy()
	as.Destroy()
	if _, ok := e.tlb.Hardware().Lookup(as.ASID(), 0x400000); ok {
		t.Errorf("TLB still maps the destroyed address space")
	}
	if got := e.cm.Stats().Free; got != free+1 {
		t.Errorf("free frames after Destroy = %d, want %d", got, free+1)
	}
	if got := e.asids.InUse(); got != 0 {
		t.Errorf("%d ASIDs in use after Destroy", got)
	}
}

// shortReader returns no data and no error at or past limit.
type shortReader struct {
	r     *bytes.Reader
	limit int64
}

func (s shortReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.limit {
		return 0, nil
	}
	return s.r.ReadAt(p, off)
}

func TestLoadPageShortRead(t *testing.T) {
	e := newTestEnv(t, 8)
	as := e.newAS(t)
	if _, err := as.LoadELF(shortReader{r: bytes.NewReader(testImage(t)), limit: dataOff}); err != nil {
		t.Fatalf("LoadELF: %v", err)
	}
	dst := make([]byte, hostarch.PageSize)
	if fileBacked, err := as.LoadPage(0x400000, dst); err != nil || !fileBacked {
		t.Errorf("LoadPage(text) = %t, %v; want true, nil", fileBacked, err)
	}
	_, err := as.LoadPage(0x10000000, dst)
	if !linuxerr.Equals(linuxerr.EIO, err) || !goerrors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("LoadPage(data) = %v, want EIO wrapping %v", err, io.ErrUnexpectedEOF)
	}
	if strings.Contains(err.Error(), "%!") {
		t.Errorf("LoadPage error is badly formatted: %q", err)
	}
}
