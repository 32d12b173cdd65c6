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

// Package swap implements the swap store: a backing file of page-sized
// blocks and a table of per-slot reference counts.
//
// Block i of the backing file holds slot i at byte offset i*PageSize. The
// file has no header; which slots are in use is known only to the in-memory
// reference counts.
package swap

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/vmstats"
	"gvisor.dev/pager/pkg/sync"
)

const (
	// DefaultSize is the default size of the swap area in bytes.
	DefaultSize = 9 << 20

	// DefaultSlots is the number of slots in a swap area of DefaultSize.
	DefaultSlots = DefaultSize / hostarch.PageSize

	// MaxSlots bounds the slot count; slot numbers are stored in 20 bits.
	MaxSlots = hostarch.MaxFrameNumber + 1
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New(unix.EPERM, "swap store is closed")

// NoPage may be passed to Store.Read to drop a reference to a slot without
// reading it.
var NoPage []byte

// BlockFile is the backing file of a Store.
type BlockFile interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// Opts configures a Store.
type Opts struct {
	// Slots is the number of page-sized slots. Zero means DefaultSlots.
	Slots int

	// Stats receives a SwapFileWrites increment per page swapped out. May be
	// nil.
	Stats *vmstats.Stats
}

func (o *Opts) slots() (int, error) {
	switch {
	case o.Slots == 0:
		return DefaultSlots, nil
	case o.Slots < 0 || o.Slots > MaxSlots:
		return 0, fmt.Errorf("swap: %d slots out of range [1, %d]: %w", o.Slots, MaxSlots, linuxerr.EINVAL)
	default:
		return o.Slots, nil
	}
}

// Store is a swap store.
//
// A single mutex serializes all operations and is held across I/O. Methods
// that compose other operations call their *Locked forms.
type Store struct {
	stats *vmstats.Stats

	// mu protects the fields below.
	mu sync.Mutex

	file BlockFile

	// refs holds one reference count per slot. 0 means free.
	refs []uint32

	// inUse is the number of slots with refs != 0.
	inUse int

	closed bool
}

// Open returns a Store backed by file, which must be at least
// opts.Slots*PageSize bytes long or grow on write.
func Open(file BlockFile, opts Opts) (*Store, error) {
	n, err := opts.slots()
	if err != nil {
		return nil, err
	}
	log.Infof("Swap: %d slots (%d KiB)", n, n*hostarch.PageSize/1024)
	return &Store{
		stats: opts.Stats,
		file:  file,
		refs:  make([]uint32, n),
	}, nil
}

// OpenFile opens (creating it if absent) the host file at path and returns a
// Store backed by it. See OpenHostFile.
func OpenFile(path string, opts Opts) (*Store, error) {
	n, err := opts.slots()
	if err != nil {
		return nil, err
	}
	f, err := OpenHostFile(path, n)
	if err != nil {
		return nil, err
	}
	s, err := Open(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Slots returns the number of slots.
func (s *Store) Slots() int {
	return len(s.refs)
}

// AllocateSlot reserves a free slot with a reference count of 1. It fails
// with ENOSPC when every slot is in use.
func (s *Store) AllocateSlot() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.allocateSlotLocked()
}

// allocateSlotLocked implements AllocateSlot.
//
// Preconditions: s.mu is locked.
func (s *Store) allocateSlotLocked() (uint32, error) {
	for i, r := range s.refs {
		if r == 0 {
			s.refs[i] = 1
			s.inUse++
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("swap: all %d slots in use: %w", len(s.refs), linuxerr.ENOSPC)
}

// checkSlotLocked panics if slot is not allocated.
//
// Preconditions: s.mu is locked.
func (s *Store) checkSlotLocked(op string, slot uint32) {
	if int(slot) >= len(s.refs) {
		panic(fmt.Sprintf("swap: %s of slot %d beyond %d slots", op, slot, len(s.refs)))
	}
	if s.refs[slot] == 0 {
		panic(fmt.Sprintf("swap: %s of free slot %d", op, slot))
	}
}

// Write writes one page of content to slot.
//
// Preconditions: slot is allocated. len(content) == PageSize.
func (s *Store) Write(content []byte, slot uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.writeLocked(content, slot)
}

// writeLocked implements Write.
//
// Preconditions: s.mu is locked.
func (s *Store) writeLocked(content []byte, slot uint32) error {
	s.checkSlotLocked("write", slot)
	if len(content) != hostarch.PageSize {
		return fmt.Errorf("swap: writing %d bytes to slot %d: %w", len(content), slot, linuxerr.EINVAL)
	}
	if _, err := s.file.WriteAt(content, int64(slot)*hostarch.PageSize); err != nil {
		return fmt.Errorf("swap: writing slot %d: %w: %w", slot, linuxerr.EIO, err)
	}
	return nil
}

// Read reads slot into dst and drops one reference to slot, freeing it once
// no references remain. If dst is NoPage no I/O is done. On I/O failure the
// reference is kept.
//
// Preconditions: slot is allocated. dst is NoPage or len(dst) == PageSize.
func (s *Store) Read(dst []byte, slot uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.checkSlotLocked("read", slot)
	if dst != nil {
		if len(dst) != hostarch.PageSize {
			return fmt.Errorf("swap: reading slot %d into %d bytes: %w", slot, len(dst), linuxerr.EINVAL)
		}
		if _, err := s.file.ReadAt(dst, int64(slot)*hostarch.PageSize); err != nil {
			return fmt.Errorf("swap: reading slot %d: %w: %w", slot, linuxerr.EIO, err)
		}
	}
	s.decRefLocked(slot)
	return nil
}

// decRefLocked drops one reference to slot.
//
// Preconditions: s.mu is locked. slot is allocated.
func (s *Store) decRefLocked(slot uint32) {
	s.refs[slot]--
	if s.refs[slot] == 0 {
		s.inUse--
	}
}

// SwapOut allocates a slot and writes content to it. It implements
// coremap.Evictor.
func (s *Store) SwapOut(content []byte) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	slot, err := s.allocateSlotLocked()
	if err != nil {
		return 0, err
	}
	if err := s.writeLocked(content, slot); err != nil {
		s.decRefLocked(slot)
		return 0, err
	}
	s.stats.Inc(vmstats.SwapFileWrites)
	return slot, nil
}

// IncRef adds a reference to slot, which becomes shared.
//
// Preconditions: slot is allocated.
func (s *Store) IncRef(slot uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.checkSlotLocked("incref", slot)
	s.refs[slot]++
	return nil
}

// Refs returns the reference count of slot.
func (s *Store) Refs(slot uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(slot) >= len(s.refs) {
		return 0
	}
	return s.refs[slot]
}

// InUse returns the number of allocated slots.
func (s *Store) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Close releases the backing file. Later operations fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	if s.inUse != 0 {
		log.Infof("Swap: closing with %d slots in use", s.inUse)
	}
	return s.file.Close()
}
