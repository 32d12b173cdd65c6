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

// Package linuxerr contains the error codes used by the pager exported as
// error interface pointers. This allows for fast comparison and return
// operations comparable to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/pager/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno values
// of the same name, but are distinct *errors.Error values. The Errno method
// returns a number that can be compared to unix.Errno.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	EIO                   = errors.New(unix.EIO, "I/O error")
	EBADF                 = errors.New(unix.EBADF, "bad file number")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EACCES                = errors.New(unix.EACCES, "permission denied")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC                = errors.New(unix.ENOSPC, "no space left on device")
	ERANGE                = errors.New(unix.ERANGE, "math result not representable")
)

var errNotValidError = errors.New(unix.Errno(0), "not a valid error")

// errnoToError maps the errnos above to their *errors.Error.
var errnoToError = map[unix.Errno]*errors.Error{
	0:           noError,
	unix.EPERM:  EPERM,
	unix.EIO:    EIO,
	unix.EBADF:  EBADF,
	unix.EAGAIN: EAGAIN,
	unix.ENOMEM: ENOMEM,
	unix.EACCES: EACCES,
	unix.EFAULT: EFAULT,
	unix.EBUSY:  EBUSY,
	unix.EEXIST: EEXIST,
	unix.EINVAL: EINVAL,
	unix.ENOSPC: ENOSPC,
	unix.ERANGE: ERANGE,
}

// ErrorFromUnix returns the *errors.Error for a unix.Errno, or a generic
// invalid error if the errno is not one known to the pager.
func ErrorFromUnix(err unix.Errno) *errors.Error {
	if e, ok := errnoToError[err]; ok {
		return e
	}
	return errNotValidError
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error. err may be wrapped with
// fmt.Errorf("...: %w", ...).
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError || e.Errno() == 0
	}
	if e == noError {
		return false
	}
	if goerrors.Is(err, e) {
		return true
	}
	n, ok := Errno(err)
	return ok && n == e.Errno()
}

// Errno returns the errno carried by err or any error it wraps. It returns
// (0, false) if err carries no errno.
func Errno(err error) (unix.Errno, bool) {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno(), true
	}
	var ue unix.Errno
	if goerrors.As(err, &ue) {
		return ue, true
	}
	return 0, false
}
