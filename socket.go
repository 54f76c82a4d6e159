// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpsock

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/tcpsock/engine"
	"code.hybscloud.com/tcpsock/sched"
	"github.com/rs/zerolog"
	"github.com/soypat/seqs"
)

const (
	// DefaultKeepAliveInterval is the keep-alive probe interval enabled on
	// accepted connections.
	DefaultKeepAliveInterval = 75 * time.Second
	// DefaultAckDelay is the delayed-ACK timeout while TCPNoDelay is off.
	DefaultAckDelay = 10 * time.Millisecond
)

// SocketOption is a socket option code.
type SocketOption int

// TCPNoDelay disables Nagle coalescing and delayed acknowledgments.
const TCPNoDelay SocketOption = 1

// IoCtl is a control code.
type IoCtl int

// NonBlocking toggles non-blocking mode.
const NonBlocking IoCtl = 1

// Shutdown directions.
const (
	ShutRD   = 0
	ShutWR   = 1
	ShutRDWR = 2
)

// release states of a Socket.
const (
	open uint32 = iota
	closing
	released
)

// Socket is a TCP socket over a connection object owned by an engine.
//
// The connection state machine inside the engine is the only record of
// connection status. A Socket adds the bound port, the non-blocking flag,
// and the one-shot flag that makes a fresh connection report readable once.
//
// A Socket serves one reader and one writer at a time; they may run on
// different goroutines. Close may be called from any goroutine, and calls
// that lose the race to it fail with ErrClosed.
type Socket struct {
	eng    engine.Facade
	handle engine.Handle
	// mu is held shared while the handle is in use and exclusively while
	// it is destroyed.
	mu sync.RWMutex

	port        atomix.Uint32
	nonblocking atomix.Uint32
	listen      atomix.Uint32
	state       atomix.Uint32

	log    zerolog.Logger
	linger sched.Deadline
}

// Option configures a Socket.
type Option func(*Socket)

// WithLogger sets the socket logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Socket) { s.log = log }
}

// WithLinger bounds how long Close waits for the graceful close. The
// default waits until the connection is inactive.
func WithLinger(d time.Duration) Option {
	return func(s *Socket) { s.linger = sched.Within(d) }
}

// New creates a Socket on a fresh connection object of eng.
func New(eng engine.Facade, opts ...Option) (*Socket, error) {
	h, err := eng.Create()
	if err != nil {
		return nil, &OpError{Op: "socket", Kind: ErrIO, Err: err}
	}
	s := &Socket{eng: eng, handle: h, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// with runs fn against the connection. It reports false once the Socket
// has been released.
func (s *Socket) with(fn func(c engine.Conn)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Load() == released {
		return false
	}
	s.eng.With(s.handle, fn)
	return true
}

func (s *Socket) withContext(fn func(c engine.Conn, cx engine.Context)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Load() == released {
		return false
	}
	s.eng.WithContext(s.handle, fn)
	return true
}

func (s *Socket) deadline() sched.Deadline {
	if s.IsNonblocking() {
		return sched.Immediate
	}
	return sched.Forever
}

// State returns the connection state held by the engine. A released
// Socket reports Closed.
func (s *Socket) State() seqs.State {
	st := seqs.StateClosed
	s.with(func(c engine.Conn) { st = c.State() })
	return st
}

// Port returns the bound port, 0 when unbound.
func (s *Socket) Port() uint16 { return uint16(s.port.Load()) }

// Bind stores the local port of addr, which must be a *net.TCPAddr.
func (s *Socket) Bind(addr net.Addr) error {
	ap, ok := endpointOf(addr)
	if !ok {
		return &OpError{Op: "bind", Kind: ErrIO, Err: fmt.Errorf("not a TCP endpoint: %v", addr)}
	}
	s.port.Store(uint32(ap.Port()))
	return nil
}

// Connect opens a connection to addr, which must be a *net.TCPAddr.
func (s *Socket) Connect(addr net.Addr) error {
	remote, ok := endpointOf(addr)
	if !ok {
		return &OpError{Op: "connect", Kind: ErrIO, Err: fmt.Errorf("not a TCP endpoint: %v", addr)}
	}
	if _, err := wait(s.StartConnect(remote), s.deadline()); err != nil {
		return err
	}
	s.log.Debug().Stringer("remote", remote).Msg("connected")
	return nil
}

// StartConnect returns the pending connect to remote.
func (s *Socket) StartConnect(remote netip.AddrPort) *Operation[struct{}] {
	return newOperation(s, "connect", ConnectEff(remote))
}

// Listen puts the connection into Listen on the bound port. The backlog
// must not be negative and is otherwise advisory: one Socket carries one
// connection, so more are served by more listening Sockets (see Clone).
func (s *Socket) Listen(backlog int) error {
	if backlog < 0 {
		return &OpError{Op: "listen", Kind: ErrInvalid, Err: fmt.Errorf("backlog %d", backlog)}
	}
	var err error
	ok := s.with(func(c engine.Conn) {
		if c.IsOpen() {
			err = &OpError{Op: "listen", Kind: ErrIO, Err: engine.ErrInvalidState}
			return
		}
		s.listen.Store(1)
		if lerr := c.Listen(s.Port()); lerr != nil {
			err = &OpError{Op: "listen", Kind: ErrIO, Err: lerr}
		}
	})
	if !ok {
		return &OpError{Op: "listen", Kind: ErrIO, Err: ErrClosed}
	}
	return err
}

// Accept waits for an inbound connection and returns the peer endpoint.
func (s *Socket) Accept() (netip.AddrPort, error) {
	remote, err := wait(s.StartAccept(), s.deadline())
	if err != nil {
		return netip.AddrPort{}, err
	}
	s.log.Debug().Stringer("remote", remote).Msg("accepted")
	return remote, nil
}

// StartAccept returns the pending two-phase accept.
func (s *Socket) StartAccept() *Operation[netip.AddrPort] {
	return newOperation(s, "accept", AcceptEff())
}

// Read reads into p. It returns 0 and a nil error at end of stream.
func (s *Socket) Read(p []byte) (int, error) {
	return wait(s.StartRead(p), s.deadline())
}

// StartRead returns the pending read into p.
func (s *Socket) StartRead(p []byte) *Operation[int] {
	return newOperation(s, "read", ReadEff(p))
}

// Write sends p. It waits only until the first bytes are accepted; after
// that it returns as soon as the engine stops taking more. A connection
// whose stream has ended reports the bytes sent so far without error.
func (s *Socket) Write(p []byte) (int, error) {
	return wait(s.StartWrite(p), s.deadline())
}

// StartWrite returns the pending write of p.
func (s *Socket) StartWrite(p []byte) *Operation[int] {
	return newOperation(s, "write", WriteEff(p))
}

// Poll waits up to timeout for any of events. A negative timeout waits
// forever and zero checks once. An elapsed timeout returns an empty mask.
func (s *Socket) Poll(events PollEvent, timeout time.Duration) (PollEvent, error) {
	d := sched.Forever
	if timeout >= 0 {
		d = sched.Within(timeout)
	}
	ev, err := wait(s.StartPoll(events), d)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return 0, nil
		}
		return 0, err
	}
	return ev, nil
}

// StartPoll returns the pending readiness query for events.
func (s *Socket) StartPoll(events PollEvent) *Operation[PollEvent] {
	return newOperation(s, "poll", PollEff(events))
}

// StartClose returns the pending two-phase graceful close.
func (s *Socket) StartClose() *Operation[struct{}] {
	return newOperation(s, "close", CloseEff())
}

// SetSockOpt sets a socket option. Only TCPNoDelay is supported. Turning
// it on disables Nagle and delayed ACKs; turning it off restores both,
// with DefaultAckDelay.
func (s *Socket) SetSockOpt(opt SocketOption, on bool) error {
	if opt != TCPNoDelay {
		return &OpError{Op: "setsockopt", Kind: ErrInvalid, Err: fmt.Errorf("option %d", opt)}
	}
	ok := s.with(func(c engine.Conn) {
		c.SetNagleEnabled(!on)
		if on {
			c.SetAckDelay(0)
		} else {
			c.SetAckDelay(DefaultAckDelay)
		}
	})
	if !ok {
		return &OpError{Op: "setsockopt", Kind: ErrIO, Err: ErrClosed}
	}
	return nil
}

// GetSockOpt reads a socket option. Only TCPNoDelay is supported.
func (s *Socket) GetSockOpt(opt SocketOption) (bool, error) {
	if opt != TCPNoDelay {
		return false, &OpError{Op: "getsockopt", Kind: ErrInvalid, Err: fmt.Errorf("option %d", opt)}
	}
	var nodelay bool
	ok := s.with(func(c engine.Conn) { nodelay = !c.NagleEnabled() })
	if !ok {
		return false, &OpError{Op: "getsockopt", Kind: ErrIO, Err: ErrClosed}
	}
	return nodelay, nil
}

// Shutdown validates how. The engine is not touched; Close ends the
// connection.
func (s *Socket) Shutdown(how int) error {
	switch how {
	case ShutRD, ShutWR, ShutRDWR:
		return nil
	}
	return &OpError{Op: "shutdown", Kind: ErrInvalid, Err: fmt.Errorf("direction %d", how)}
}

// IoCtl applies a control code. Only NonBlocking is supported.
func (s *Socket) IoCtl(cmd IoCtl, on bool) error {
	if cmd != NonBlocking {
		return &OpError{Op: "ioctl", Kind: ErrInvalid, Err: fmt.Errorf("control %d", cmd)}
	}
	if on {
		s.log.Trace().Msg("set device to nonblocking mode")
		s.nonblocking.Store(1)
	} else {
		s.log.Trace().Msg("set device to blocking mode")
		s.nonblocking.Store(0)
	}
	return nil
}

// IsNonblocking reports whether non-blocking mode is on.
func (s *Socket) IsNonblocking() bool { return s.nonblocking.Load() != 0 }

// PeerName returns the remote endpoint, if connected.
func (s *Socket) PeerName() (netip.AddrPort, bool) {
	var (
		ap  netip.AddrPort
		has bool
	)
	s.with(func(c engine.Conn) { ap, has = c.RemoteEndpoint() })
	return ap, has
}

// SockName returns the local endpoint, if bound by the engine.
func (s *Socket) SockName() (netip.AddrPort, bool) {
	var (
		ap  netip.AddrPort
		has bool
	)
	s.with(func(c engine.Conn) { ap, has = c.LocalEndpoint() })
	return ap, has
}

// Clone returns a Socket on a new connection object with the same port and
// blocking mode. If the port is bound the clone is listening on it.
// Clone panics if the engine cannot supply a connection object or the
// clone cannot listen.
func (s *Socket) Clone() *Socket {
	h, err := s.eng.Create()
	if err != nil {
		panic(fmt.Sprintf("tcpsock: unable to create handle: %v", err))
	}
	c := &Socket{eng: s.eng, handle: h, log: s.log, linger: s.linger}
	port := s.port.Load()
	c.port.Store(port)
	c.nonblocking.Store(s.nonblocking.Load())
	if port > 0 {
		if err := c.Listen(1024); err != nil {
			panic(fmt.Sprintf("tcpsock: clone cannot listen on port %d: %v", port, err))
		}
	}
	return c
}

// Close closes the connection gracefully and releases the connection
// object. Failures of the graceful close are logged and dropped. Only the
// first call does anything; every call returns nil.
func (s *Socket) Close() error {
	if !s.state.CompareAndSwap(open, closing) {
		return nil
	}
	if _, err := sched.BlockOn[struct{}](s.StartClose(), s.linger); err != nil {
		s.log.Debug().Err(err).Msg("graceful close")
	}
	s.mu.Lock()
	s.eng.Destroy(s.handle)
	s.state.Store(released)
	s.mu.Unlock()
	return nil
}

func endpointOf(addr net.Addr) (netip.AddrPort, bool) {
	a, ok := addr.(*net.TCPAddr)
	if !ok || a == nil {
		return netip.AddrPort{}, false
	}
	ap := a.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}
