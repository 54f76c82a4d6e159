// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package engine defines the surface a TCP protocol engine exposes to the
// socket layer.
//
// An engine owns a table of connection state machines addressable by
// [Handle]. All access goes through a [Facade], which runs a closure against
// one connection under the engine's lock and then lets the engine advance its
// clock and queues before releasing the lock. Closures must not block.
package engine

import (
	"errors"
	"net/netip"
	"time"

	"code.hybscloud.com/tcpsock/sched"
	"github.com/soypat/seqs"
)

// Handle is an opaque reference to one engine-owned connection object.
type Handle uint64

// Facade is the lock-guarded entry point to a protocol engine.
type Facade interface {
	// Create allocates a new connection object in state Closed.
	Create() (Handle, error)
	// Destroy releases the connection object. The handle must not be used
	// afterwards.
	Destroy(h Handle)
	// With runs fn against the connection under h, then advances the engine.
	With(h Handle, fn func(c Conn))
	// WithContext is like With but also exposes the engine's addressing
	// context, which an active open needs to pick a source address.
	WithContext(h Handle, fn func(c Conn, cx Context))
}

// Context is the addressing context of an engine.
type Context interface {
	// LocalAddr returns the source address used to reach remote.
	LocalAddr(remote netip.Addr) (netip.Addr, bool)
}

// Conn is the mutation and query surface of one connection state machine.
// Conn values are only valid inside the closure they were passed to.
type Conn interface {
	State() seqs.State

	// IsOpen reports whether the state is neither Closed nor TimeWait.
	IsOpen() bool
	// IsActive reports whether the state is not Closed, TimeWait or Listen.
	IsActive() bool
	// MayRecv reports whether the peer may still send data, or buffered
	// data remains to be read.
	MayRecv() bool
	// CanRecv reports whether the receive buffer holds data.
	CanRecv() bool
	// MaySend reports whether the local side may still send data.
	MaySend() bool
	// CanSend reports whether MaySend holds and the send buffer has room.
	CanSend() bool

	LocalEndpoint() (netip.AddrPort, bool)
	RemoteEndpoint() (netip.AddrPort, bool)

	// Connect issues the active-open transition.
	Connect(cx Context, remote netip.AddrPort, localPort uint16) error
	// Listen issues the passive-open transition.
	Listen(port uint16) error
	// Close issues the active-close transition.
	Close()

	// RegisterRecvWaker and RegisterSendWaker replace the waker woken on the
	// next receive or send readiness change.
	RegisterRecvWaker(w *sched.Waker)
	RegisterSendWaker(w *sched.Waker)

	// Recv copies up to len(p) bytes out of the receive buffer.
	Recv(p []byte) (int, error)
	// Send copies as much of p as fits into the send buffer.
	Send(p []byte) (int, error)

	SetKeepAlive(interval time.Duration)
	SetNagleEnabled(enabled bool)
	NagleEnabled() bool
	SetAckDelay(d time.Duration)
	AckDelay() time.Duration
}

var (
	// ErrInvalidState is returned when a transition is not allowed from the
	// current state.
	ErrInvalidState = errors.New("engine: invalid state")
	// ErrUnaddressable is returned when an endpoint cannot be used.
	ErrUnaddressable = errors.New("engine: unaddressable endpoint")
	// ErrExhausted is returned by Create when no connection object is free.
	ErrExhausted = errors.New("engine: connection table exhausted")
	// ErrFinished is returned by Recv once the receive half has ended.
	ErrFinished = errors.New("engine: receive finished")
)
