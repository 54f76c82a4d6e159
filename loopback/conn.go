// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback

import (
	"net/netip"
	"time"

	"code.hybscloud.com/tcpsock/engine"
	"code.hybscloud.com/tcpsock/sched"
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
	"github.com/soypat/seqs"
)

// sendSpace is the send sequence space of RFC 9293 section 3.3.1.
type sendSpace struct {
	ISS seqs.Value
	UNA seqs.Value
	NXT seqs.Value
	WND seqs.Size
}

// recvSpace is the receive sequence space.
type recvSpace struct {
	IRS seqs.Value
	NXT seqs.Value
}

// conn is one connection object. All fields are guarded by the engine lock.
type conn struct {
	e     *Engine
	state seqs.State

	local  netip.AddrPort
	remote netip.AddrPort

	rx *ringbuffer.RingBuffer
	tx *ringbuffer.RingBuffer

	snd sendSpace
	rcv recvSpace
	// edge is the right edge of the receive window last sent to the peer.
	edge seqs.Value

	synPending bool
	finQueued  bool
	finSent    bool
	ackNow     bool
	ackDue     time.Time

	nagle     bool
	ackDelay  time.Duration
	keepAlive time.Duration
	lastSeen  time.Time
	timeWait  time.Time

	// fromListen marks connections opened passively; a reset returns them
	// to Listen.
	fromListen bool

	recvWaker sched.WakerSlot
	sendWaker sched.WakerSlot
}

var _ engine.Conn = (*conn)(nil)

func (c *conn) reset(e *Engine) {
	*c = conn{
		e:        e,
		state:    seqs.StateClosed,
		rx:       ringbuffer.New(e.cfg.RxBuffer),
		tx:       ringbuffer.New(e.cfg.TxBuffer),
		nagle:    true,
		ackDelay: e.cfg.AckDelay,
	}
}

// setState moves c to s and wakes every waiting operation.
func (c *conn) setState(s seqs.State) {
	if c.state == s {
		return
	}
	c.e.log.Debug().
		Stringer("local", c.local).
		Stringer("remote", c.remote).
		Str("from", c.state.String()).
		Str("to", s.String()).
		Msg("state")
	c.state = s
	c.recvWaker.Wake()
	c.sendWaker.Wake()
}

// clearFlow drops buffered data and sequence state.
func (c *conn) clearFlow() {
	c.rx.Reset()
	c.tx.Reset()
	c.snd = sendSpace{}
	c.rcv = recvSpace{}
	c.edge = 0
	c.synPending = false
	c.finQueued = false
	c.finSent = false
	c.ackNow = false
	c.ackDue = time.Time{}
}

func (c *conn) State() seqs.State { return c.state }

func (c *conn) IsOpen() bool {
	return c.state != seqs.StateClosed && c.state != seqs.StateTimeWait
}

func (c *conn) IsActive() bool {
	switch c.state {
	case seqs.StateClosed, seqs.StateTimeWait, seqs.StateListen:
		return false
	}
	return true
}

func (c *conn) MayRecv() bool {
	switch c.state {
	case seqs.StateEstablished, seqs.StateFinWait1, seqs.StateFinWait2:
		return true
	}
	return c.rx.Length() > 0
}

func (c *conn) CanRecv() bool { return c.rx.Length() > 0 }

func (c *conn) MaySend() bool {
	return c.state == seqs.StateEstablished || c.state == seqs.StateCloseWait
}

func (c *conn) CanSend() bool { return c.MaySend() && c.tx.Free() > 0 }

func (c *conn) LocalEndpoint() (netip.AddrPort, bool) {
	if c.state == seqs.StateClosed {
		return netip.AddrPort{}, false
	}
	return c.local, c.local.IsValid()
}

func (c *conn) RemoteEndpoint() (netip.AddrPort, bool) {
	switch c.state {
	case seqs.StateClosed, seqs.StateListen:
		return netip.AddrPort{}, false
	}
	return c.remote, c.remote.IsValid()
}

func (c *conn) Connect(cx engine.Context, remote netip.AddrPort, localPort uint16) error {
	if c.IsOpen() {
		return errors.Wrapf(engine.ErrInvalidState, "connect in %s", c.state)
	}
	if !remote.IsValid() || remote.Port() == 0 || localPort == 0 {
		return errors.Wrapf(engine.ErrUnaddressable, "connect %v from port %d", remote, localPort)
	}
	src, ok := cx.LocalAddr(remote.Addr())
	if !ok {
		return errors.Wrapf(engine.ErrUnaddressable, "no route to %v", remote.Addr())
	}
	c.clearFlow()
	c.local = netip.AddrPortFrom(src, localPort)
	c.remote = remote
	c.fromListen = false
	iss := seqs.Value(c.e.prand32())
	c.snd = sendSpace{ISS: iss, UNA: iss, NXT: iss}
	c.synPending = true
	c.lastSeen = c.e.now()
	c.setState(seqs.StateSynSent)
	return nil
}

func (c *conn) Listen(port uint16) error {
	if port == 0 {
		return errors.Wrap(engine.ErrUnaddressable, "listen on port 0")
	}
	if c.IsOpen() {
		return errors.Wrapf(engine.ErrInvalidState, "listen in %s", c.state)
	}
	c.clearFlow()
	c.local = netip.AddrPortFrom(c.e.cfg.Addr, port)
	c.remote = netip.AddrPort{}
	c.fromListen = true
	c.setState(seqs.StateListen)
	return nil
}

func (c *conn) Close() {
	switch c.state {
	case seqs.StateListen, seqs.StateSynSent:
		c.clearFlow()
		c.setState(seqs.StateClosed)
	case seqs.StateSynRcvd, seqs.StateEstablished:
		c.finQueued = true
		c.setState(seqs.StateFinWait1)
	case seqs.StateCloseWait:
		c.finQueued = true
		c.setState(seqs.StateLastAck)
	}
}

func (c *conn) RegisterRecvWaker(w *sched.Waker) { c.recvWaker.Register(w) }
func (c *conn) RegisterSendWaker(w *sched.Waker) { c.sendWaker.Register(w) }

func (c *conn) Recv(p []byte) (int, error) {
	if c.rx.Length() == 0 {
		if !c.MayRecv() {
			return 0, engine.ErrFinished
		}
		return 0, nil
	}
	n, err := c.rx.Read(p)
	if err != nil {
		return n, errors.Wrap(err, "recv")
	}
	// Reopen a window the peer may be stalled on.
	edge := seqs.Add(c.rcv.NXT, seqs.Size(c.rx.Free()))
	if seqs.LessThan(c.edge, edge) && seqs.Sizeof(c.edge, edge) >= seqs.Size(min(c.e.cfg.MSS, c.e.cfg.RxBuffer/2)) {
		c.ackNow = true
	}
	return n, nil
}

func (c *conn) Send(p []byte) (int, error) {
	if !c.MaySend() {
		return 0, errors.Wrapf(engine.ErrInvalidState, "send in %s", c.state)
	}
	n := min(len(p), c.tx.Free())
	if n == 0 {
		return 0, nil
	}
	n, err := c.tx.Write(p[:n])
	if err != nil {
		return n, errors.Wrap(err, "send")
	}
	return n, nil
}

func (c *conn) SetKeepAlive(interval time.Duration) {
	c.keepAlive = interval
	c.lastSeen = c.e.now()
}

func (c *conn) SetNagleEnabled(enabled bool) { c.nagle = enabled }
func (c *conn) NagleEnabled() bool           { return c.nagle }
func (c *conn) SetAckDelay(d time.Duration)  { c.ackDelay = d }
func (c *conn) AckDelay() time.Duration      { return c.ackDelay }

// synchronized reports whether the handshake has completed in either
// direction, which is when a reset must be sent on teardown.
func (c *conn) synchronized() bool {
	switch c.state {
	case seqs.StateClosed, seqs.StateListen, seqs.StateSynSent, seqs.StateTimeWait:
		return false
	}
	return true
}

// inflight is the sequence space sent but not yet acknowledged.
func (c *conn) inflight() seqs.Size {
	return seqs.Sizeof(c.snd.UNA, c.snd.NXT)
}
