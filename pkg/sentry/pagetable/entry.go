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

package pagetable

import (
	"fmt"
)

// Kind is the state of a page-table entry.
type Kind uint8

const (
	// Invalid entries have never been populated, or were released.
	Invalid Kind = iota

	// Resident entries are backed by a frame.
	Resident

	// Evicting entries are being written to swap. Their frame is still
	// allocated but must not be used; readers wait for the eviction to
	// finish.
	Evicting

	// Swapped entries live in a swap slot.
	Swapped
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case Resident:
		return "resident"
	case Evicting:
		return "evicting"
	case Swapped:
		return "swapped"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Entry is a page-table entry: a Kind and, except for Invalid, a frame or
// swap slot number. Entries are stored in a single 64-bit word so they can
// be read and transitioned atomically.
type Entry uint64

const entryKindShift = 32

func makeEntry(k Kind, n uint32) Entry {
	return Entry(uint64(k)<<entryKindShift | uint64(n))
}

// ResidentEntry returns an entry resident in frame.
func ResidentEntry(frame uint32) Entry {
	return makeEntry(Resident, frame)
}

// EvictingEntry returns an entry being evicted from frame.
func EvictingEntry(frame uint32) Entry {
	return makeEntry(Evicting, frame)
}

// SwappedEntry returns an entry stored in swap slot slot.
func SwappedEntry(slot uint32) Entry {
	return makeEntry(Swapped, slot)
}

// Kind returns the state of e.
func (e Entry) Kind() Kind {
	return Kind(e >> entryKindShift)
}

// Frame returns the frame of a resident or evicting entry.
func (e Entry) Frame() uint32 {
	if k := e.Kind(); k != Resident && k != Evicting {
		panic(fmt.Sprintf("Frame() of %v entry", k))
	}
	return uint32(e)
}

// Slot returns the swap slot of a swapped entry.
func (e Entry) Slot() uint32 {
	if k := e.Kind(); k != Swapped {
		panic(fmt.Sprintf("Slot() of %v entry", k))
	}
	return uint32(e)
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	switch k := e.Kind(); k {
	case Invalid:
		return "invalid"
	case Resident, Evicting:
		return fmt.Sprintf("%v{frame %d}", k, uint32(e))
	default:
		return fmt.Sprintf("%v{slot %d}", k, uint32(e))
	}
}
