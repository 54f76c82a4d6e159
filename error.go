// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpsock

import (
	"errors"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/tcpsock/sched"
)

// Error kinds. Every error returned by a Socket matches exactly one of them
// with errors.Is.
var (
	// ErrIO reports a connection in a state incompatible with the
	// operation, or a transition the engine rejected.
	ErrIO = errors.New("tcpsock: i/o fault")
	// ErrFault reports a handshake that was aborted or reset.
	ErrFault = errors.New("tcpsock: connection fault")
	// ErrWouldBlock reports a non-blocking operation that cannot complete
	// immediately.
	ErrWouldBlock = iox.ErrWouldBlock
	// ErrInvalid reports an unsupported option, control code or direction.
	ErrInvalid = errors.New("tcpsock: invalid argument")
)

// ErrClosed is the cause attached to ErrIO when a released Socket is used.
var ErrClosed = errors.New("tcpsock: socket closed")

// OpError is the error type returned by Socket operations.
type OpError struct {
	// Op names the operation, e.g. "connect" or "write".
	Op string
	// Kind is one of ErrIO, ErrFault, ErrWouldBlock or ErrInvalid.
	Kind error
	// Err is the underlying engine error, if any.
	Err error
}

func (e *OpError) Error() string {
	s := e.Kind.Error()
	if e.Op != "" {
		s = "tcpsock: " + e.Op + ": " + trimPrefix(s)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the kind and, when present, the cause.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func trimPrefix(s string) string {
	const p = "tcpsock: "
	if len(s) > len(p) && s[:len(p)] == p {
		return s[len(p):]
	}
	return s
}

// fault builds an OpError whose Op is filled in by the Operation that
// observes it.
func fault(kind, cause error) error {
	return &OpError{Kind: kind, Err: cause}
}

// Kernel errno values the error kinds map onto.
const (
	EIO    = 5
	EAGAIN = 11
	EFAULT = 14
	EINVAL = 22
	ETIME  = 62
)

// Errno maps err onto the errno a socket syscall layer returns.
// A nil error maps to 0; unknown errors map to EIO.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalid):
		return EINVAL
	case errors.Is(err, ErrFault):
		return EFAULT
	case errors.Is(err, ErrWouldBlock):
		return EAGAIN
	case errors.Is(err, sched.ErrTimedOut):
		return ETIME
	}
	return EIO
}
