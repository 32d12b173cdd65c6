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

package hostarch

import "fmt"

// FaultKind is the kind of translation fault raised by the TLB.
type FaultKind int

const (
	// FaultRead is a TLB miss on a load.
	FaultRead FaultKind = iota

	// FaultWrite is a TLB miss on a store.
	FaultWrite

	// FaultReadOnly is a store through a valid translation that does not
	// have the dirty (write enable) bit set.
	FaultReadOnly
)

// String implements fmt.Stringer.String.
func (k FaultKind) String() string {
	switch k {
	case FaultRead:
		return "read"
	case FaultWrite:
		return "write"
	case FaultReadOnly:
		return "readonly"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// AccessType specifies memory access types.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool
}

var (
	// Read is AccessType{Read: true}.
	Read = AccessType{Read: true}

	// Write is AccessType{Write: true}.
	Write = AccessType{Write: true}

	// ReadWrite is AccessType{Read: true, Write: true}.
	ReadWrite = AccessType{Read: true, Write: true}
)

// MissFault returns the fault raised by a TLB miss for an access of type at.
func (at AccessType) MissFault() FaultKind {
	if at.Write {
		return FaultWrite
	}
	return FaultRead
}

// String implements fmt.Stringer.String.
func (at AccessType) String() string {
	switch {
	case at.Read && at.Write:
		return "rw"
	case at.Write:
		return "w"
	case at.Read:
		return "r"
	default:
		return "-"
	}
}
