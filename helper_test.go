// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpsock_test

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/tcpsock"
	"code.hybscloud.com/tcpsock/engine"
	"code.hybscloud.com/tcpsock/sched"
	"github.com/soypat/seqs"
)

// fakeConn is a scripted connection object. Transitions land in the
// states the test configures; nothing else moves unless the test says so.
type fakeConn struct {
	state  seqs.State
	local  netip.AddrPort
	remote netip.AddrPort

	rx     []byte
	sent   []byte
	txFree int

	afterConnect seqs.State
	afterClose   seqs.State
	connectErr   error
	listenErr    error

	connects    int
	closes      int
	listens     []uint16
	connectPort uint16

	recvWaker *sched.Waker
	sendWaker *sched.Waker
	recvRegs  int
	sendRegs  int

	keepAlive time.Duration
	nagle     bool
	ackDelay  time.Duration
}

func (c *fakeConn) State() seqs.State { return c.state }
func (c *fakeConn) IsOpen() bool {
	return c.state != seqs.StateClosed && c.state != seqs.StateTimeWait
}
func (c *fakeConn) IsActive() bool {
	return c.IsOpen() && c.state != seqs.StateListen
}
func (c *fakeConn) MayRecv() bool {
	switch c.state {
	case seqs.StateEstablished, seqs.StateFinWait1, seqs.StateFinWait2:
		return true
	}
	return len(c.rx) > 0
}
func (c *fakeConn) CanRecv() bool { return len(c.rx) > 0 }
func (c *fakeConn) MaySend() bool {
	return c.state == seqs.StateEstablished || c.state == seqs.StateCloseWait
}
func (c *fakeConn) CanSend() bool { return c.MaySend() && c.txFree > 0 }

func (c *fakeConn) LocalEndpoint() (netip.AddrPort, bool) {
	return c.local, c.local.IsValid()
}
func (c *fakeConn) RemoteEndpoint() (netip.AddrPort, bool) {
	return c.remote, c.remote.IsValid()
}

func (c *fakeConn) Connect(_ engine.Context, remote netip.AddrPort, localPort uint16) error {
	c.connects++
	c.connectPort = localPort
	if c.connectErr != nil {
		return c.connectErr
	}
	c.remote = remote
	c.state = c.afterConnect
	return nil
}

func (c *fakeConn) Listen(port uint16) error {
	c.listens = append(c.listens, port)
	if c.listenErr != nil {
		return c.listenErr
	}
	c.state = seqs.StateListen
	return nil
}

func (c *fakeConn) Close() {
	c.closes++
	c.state = c.afterClose
}

func (c *fakeConn) RegisterRecvWaker(w *sched.Waker) { c.recvWaker = w; c.recvRegs++ }
func (c *fakeConn) RegisterSendWaker(w *sched.Waker) { c.sendWaker = w; c.sendRegs++ }

func (c *fakeConn) Recv(p []byte) (int, error) {
	n := copy(p, c.rx)
	c.rx = c.rx[n:]
	return n, nil
}

func (c *fakeConn) Send(p []byte) (int, error) {
	n := min(len(p), c.txFree)
	c.sent = append(c.sent, p[:n]...)
	c.txFree -= n
	return n, nil
}

func (c *fakeConn) SetKeepAlive(d time.Duration) { c.keepAlive = d }
func (c *fakeConn) SetNagleEnabled(enabled bool) { c.nagle = enabled }
func (c *fakeConn) NagleEnabled() bool           { return c.nagle }
func (c *fakeConn) SetAckDelay(d time.Duration)  { c.ackDelay = d }
func (c *fakeConn) AckDelay() time.Duration      { return c.ackDelay }

// takeRecvWaker clears and returns the registered receive waker.
func (c *fakeConn) takeRecvWaker() *sched.Waker {
	w := c.recvWaker
	c.recvWaker = nil
	return w
}

// takeSendWaker clears and returns the registered send waker.
func (c *fakeConn) takeSendWaker() *sched.Waker {
	w := c.sendWaker
	c.sendWaker = nil
	return w
}

type fakeContext struct{}

func (fakeContext) LocalAddr(remote netip.Addr) (netip.Addr, bool) { return remote, true }

// fakeEngine is a scripted engine.Facade.
type fakeEngine struct {
	mu        sync.Mutex
	conns     map[engine.Handle]*fakeConn
	order     []engine.Handle
	destroyed map[engine.Handle]int
	createErr error
	// advance runs after every access, standing in for engine progress.
	advance func(c *fakeConn)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		conns:     make(map[engine.Handle]*fakeConn),
		destroyed: make(map[engine.Handle]int),
	}
}

func (e *fakeEngine) Create() (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return 0, e.createErr
	}
	h := engine.Handle(len(e.order) + 1)
	e.conns[h] = &fakeConn{
		state:        seqs.StateClosed,
		afterConnect: seqs.StateSynSent,
		afterClose:   seqs.StateClosed,
		nagle:        true,
	}
	e.order = append(e.order, h)
	return h, nil
}

func (e *fakeEngine) Destroy(h engine.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed[h]++
}

func (e *fakeEngine) With(h engine.Handle, fn func(c engine.Conn)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conns[h]
	fn(c)
	if e.advance != nil {
		e.advance(c)
	}
}

func (e *fakeEngine) WithContext(h engine.Handle, fn func(c engine.Conn, cx engine.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conns[h]
	fn(c, fakeContext{})
	if e.advance != nil {
		e.advance(c)
	}
}

// do runs fn against the n-th created connection under the engine lock.
func (e *fakeEngine) do(n int, fn func(c *fakeConn)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.conns[e.order[n]])
}

// last runs fn against the most recently created connection.
func (e *fakeEngine) last(fn func(c *fakeConn)) {
	e.do(len(e.order)-1, fn)
}

func (e *fakeEngine) destroyCount(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed[e.order[n]]
}

// newFakeSocket returns a Socket on a fresh fake connection prepared by
// setup.
func newFakeSocket(t *testing.T, setup func(c *fakeConn), opts ...tcpsock.Option) (*tcpsock.Socket, *fakeEngine) {
	t.Helper()
	eng := newFakeEngine()
	s, err := tcpsock.New(eng, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if setup != nil {
		eng.last(setup)
	}
	return s, eng
}

// pollOnce polls op with a fresh waker.
func pollOnce[R any](op *tcpsock.Operation[R]) (R, error) {
	return op.Poll(sched.NewWaker())
}

func mustKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("got %v, want kind %v", err, kind)
	}
}

var peer = netip.MustParseAddrPort("10.0.0.2:8080")
