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

package swap

import (
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
)

// HostFile is a BlockFile backed by a file on the host. The file is
// exclusively locked while open, so two stores cannot share it.
type HostFile struct {
	f    *os.File
	fd   int
	lock *flock.Flock
}

// OpenHostFile opens the swap file at path, creating it if absent, and sizes
// it to hold slots pages. Any previous content is discarded. A lock file next
// to it guards against concurrent use.
func OpenHostFile(path string, slots int) (*HostFile, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking swap file %q: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("swap file %q is in use: %w", path, linuxerr.EBUSY)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0664)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("opening swap file %q: %w", path, err)
	}
	fd := int(f.Fd())
	if err := unix.Ftruncate(fd, int64(slots)*hostarch.PageSize); err != nil {
		f.Close()
		lock.Unlock()
		return nil, fmt.Errorf("sizing swap file %q to %d slots: %w", path, slots, err)
	}
	log.Debugf("Swap file %q opened, fd %d", path, fd)
	return &HostFile{f: f, fd: fd, lock: lock}, nil
}

// Name returns the path of the file.
func (h *HostFile) Name() string {
	return h.f.Name()
}

// ReadAt implements io.ReaderAt.ReadAt.
func (h *HostFile) ReadAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		n, err := unix.Pread(h.fd, p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return done, err
		}
		if n == 0 {
			return done, io.ErrUnexpectedEOF
		}
		done += n
	}
	return done, nil
}

// WriteAt implements io.WriterAt.WriteAt.
func (h *HostFile) WriteAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		n, err := unix.Pwrite(h.fd, p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

// Close implements io.Closer.Close. It flushes the file, closes it and
// releases the lock.
func (h *HostFile) Close() error {
	syncErr := unix.Fsync(h.fd)
	closeErr := h.f.Close()
	if err := h.lock.Unlock(); err != nil {
		log.Warningf("Unlocking swap file %q: %v", h.lock.Path(), err)
	}
	if syncErr != nil {
		return fmt.Errorf("syncing swap file: %w", syncErr)
	}
	return closeErr
}

// MemFile is a BlockFile held in memory.
type MemFile struct {
	data   []byte
	closed bool

	// FailAfter, if positive, makes every write after the first FailAfter
	// writes fail with EIO.
	FailAfter int
	writes    int
}

// NewMemFile returns an in-memory file of slots pages.
func NewMemFile(slots int) *MemFile {
	return &MemFile{data: make([]byte, slots*hostarch.PageSize)}
}

// ReadAt implements io.ReaderAt.ReadAt.
func (m *MemFile) ReadAt(p []byte, off int64) (int, error) {
	if m.closed {
		return 0, os.ErrClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrUnexpectedEOF
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt implements io.WriterAt.WriteAt.
func (m *MemFile) WriteAt(p []byte, off int64) (int, error) {
	if m.closed {
		return 0, os.ErrClosed
	}
	m.writes++
	if m.FailAfter > 0 && m.writes > m.FailAfter {
		return 0, unix.EIO
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.data[off:], p), nil
}

// Close implements io.Closer.Close.
func (m *MemFile) Close() error {
	m.closed = true
	return nil
}
