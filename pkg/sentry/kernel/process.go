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


package kernel

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/mm"
	"gvisor.dev/pager/pkg/sync"
)

// ErrExited is returned by operations on a process that has exited.
var ErrExited = errors.New(unix.ESRCH, "process has exited")

// Process is a user process: an address space and an exit status.
type Process struct {
	k    *Kernel
	pid  int32
	name string
	as   *mm.AddressSpace

	// mu protects the fields below.
	mu     sync.Mutex
	exited bool
	code   int
	cause  error
}

// NewProcess creates a process. If image is not nil it is loaded as an ELF
// executable; otherwise the address space has only a stack.
func (k *Kernel) NewProcess(name string, image io.ReaderAt) (*Process, error) {
	as, err := mm.New(k.mmOpts())
	if err != nil {
		return nil, err
	}
	if image != nil {
		if _, err := as.LoadELF(image); err != nil {
			as.Destroy()
			return nil, fmt.Errorf("loading %q: %w", name, err)
		}
	}
	return k.start(name, as)
}

func (k *Kernel) start(name string, as *mm.AddressSpace) (*Process, error) {
	p := &Process{k: k, name: name, as: as}
	if err := k.register(p); err != nil {
		as.Destroy()
		return nil, err
	}
	log.Debugf("Started %v", p)
	return p, nil
}

// PID returns the process ID.
func (p *Process) PID() int32 {
	return p.pid
}

// Name returns the name the process was created with.
func (p *Process) Name() string {
	return p.name
}

// AddressSpace returns the process's address space.
func (p *Process) AddressSpace() *mm.AddressSpace {
	return p.as
}

// String implements fmt.Stringer.String.
func (p *Process) String() string {
	return fmt.Sprintf("process %d (%s, %v)", p.pid, p.name, p.as)
}

func (p *Process) checkAlive() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return fmt.Errorf("%v: %w", p, ErrExited)
	}
	return nil
}

// Fork creates a child process with a copy of p's address space.
func (p *Process) Fork(name string) (*Process, error) {
	if err := p.checkAlive(); err != nil {
		return nil, err
	}
	as, err := p.as.Fork()
	if err != nil {
		return nil, err
	}
	return p.k.start(name, as)
}

// Read copies len(dst) bytes at addr into dst as a user load.
func (p *Process) Read(ctx context.Context, addr hostarch.Addr, dst []byte) error {
	return p.access(ctx, addr, dst, hostarch.Read)
}

// Write copies src to addr as a user store.
func (p *Process) Write(ctx context.Context, addr hostarch.Addr, src []byte) error {
	return p.access(ctx, addr, src, hostarch.Write)
}

// access performs a user access page by page. A fault that cannot be
// resolved terminates the process.
func (p *Process) access(ctx context.Context, addr hostarch.Addr, buf []byte, at hostarch.AccessType) error {
	if err := p.checkAlive(); err != nil {
		return err
	}
	for len(buf) > 0 {
		n := min(len(buf), int(hostarch.PageSize-addr.PageOffset()))
		if err := p.accessPage(ctx, addr, buf[:n], at); err != nil {
			if ctx.Err() != nil && goerrors.Is(err, ctx.Err()) {
				return err
			}
			p.terminate(err)
			return err
		}
		buf = buf[n:]
		addr += hostarch.Addr(n)
	}
	return nil
}

// accessPage accesses buf within the page containing addr, faulting until the
// translation succeeds.
func (p *Process) accessPage(ctx context.Context, addr hostarch.Addr, buf []byte, at hostarch.AccessType) error {
	hw := p.k.TLB
	for {
		hw.Lock()
		paddr, kind, ok := hw.Translate(p.as.ASID(), addr, at)
		if ok {
			mem := p.k.RAM.Slice(paddr, len(buf))
			if at.Write {
				copy(mem, buf)
			} else {
				copy(buf, mem)
			}
			hw.Unlock()
			return nil
		}
		hw.Unlock()
		if err := p.k.Faults.HandleFault(ctx, p.as, kind, addr); err != nil {
			return err
		}
	}
}

// terminate kills p because of err. The exit code is err's errno.
func (p *Process) terminate(err error) {
	code := int(unix.EFAULT)
	if errno, ok := linuxerr.Errno(err); ok {
		code = int(errno)
	}
	if p.exit(code, err) {
		log.Infof("%v killed: %v", p, err)
	}
}

// Exit terminates p with the given exit code and releases its memory.
func (p *Process) Exit(code int) {
	p.exit(code, nil)
}

// exit reports whether p was still running.
func (p *Process) exit(code int, cause error) bool {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return false
	}
	p.exited = true
	p.code = code
	p.cause = cause
	p.mu.Unlock()

	p.as.Destroy()
	p.k.unregister(p)
	log.Debugf("%v exited with code %d", p, code)
	return true
}

// Terminated returns the exit code and true if p has exited.
func (p *Process) Terminated() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.exited
}

// Cause returns the error that killed p, or nil.
func (p *Process) Cause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cause
}
