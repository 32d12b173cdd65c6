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

	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/sentry/machine"
	"gvisor.dev/pager/pkg/sync"
)

// NumASIDs is the number of address space identifiers available to user
// address spaces. ASID 0 is never handed out.
const NumASIDs = machine.MaxASID

// ASIDs allocates hardware address space identifiers.
type ASIDs struct {
	mu sync.Mutex

	// used[i] is true if ASID i is assigned. used[0] is always true.
	used [machine.MaxASID + 1]bool

	// next is the ASID at which the next search starts.
	next uint32
}

// NewASIDs returns an allocator with every ASID free.
func NewASIDs() *ASIDs {
	a := &ASIDs{next: 1}
	a.used[0] = true
	return a
}

// Get assigns a free ASID. It returns EAGAIN if all of them are in use.
func (a *ASIDs) Get() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint32(0); i < NumASIDs; i++ {
		asid := (a.next+i-1)%NumASIDs + 1
		if !a.used[asid] {
			a.used[asid] = true
			a.next = asid%NumASIDs + 1
			return asid, nil
		}
	}
	return 0, fmt.Errorf("all %d address space identifiers in use: %w", NumASIDs, linuxerr.EAGAIN)
}

// Put releases asid. The caller must have flushed its TLB entries.
func (a *ASIDs) Put(asid uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if asid == 0 || asid > NumASIDs || !a.used[asid] {
		panic(fmt.Sprintf("releasing unassigned ASID %d", asid))
	}
	a.used[asid] = false
}

// InUse returns the number of assigned ASIDs.
func (a *ASIDs) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, u := range a.used[1:] {
		if u {
			n++
		}
	}
	return n
}
