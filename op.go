// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpsock

import (
	"net/netip"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
	"code.hybscloud.com/tcpsock/engine"
	"code.hybscloud.com/tcpsock/sched"
	"github.com/soypat/seqs"
)

// socketDispatcher is the structural interface for socket operations.
// DispatchSocket is non-blocking: when the connection is not ready it
// registers w with the engine and returns iox.ErrWouldBlock.
type socketDispatcher interface {
	DispatchSocket(s *Socket, w *sched.Waker) (kont.Resumed, error)
	phase() Phase
}

// Dial is the effect operation for the active open toward Remote.
// It never waits.
type Dial struct {
	kont.Phantom[struct{}]
	Remote netip.AddrPort
}

// DispatchSocket issues the active open from a fresh ephemeral port.
func (d Dial) DispatchSocket(s *Socket, _ *sched.Waker) (kont.Resumed, error) {
	var err error
	ok := s.withContext(func(c engine.Conn, cx engine.Context) {
		err = c.Connect(cx, d.Remote, nextEphemeralPort())
	})
	if !ok {
		return nil, fault(ErrIO, ErrClosed)
	}
	if err != nil {
		return nil, fault(ErrIO, err)
	}
	return struct{}{}, nil
}

func (Dial) phase() Phase { return PhaseFirst }

// AwaitEstablished is the effect operation for the end of a handshake
// started by Dial.
type AwaitEstablished struct {
	kont.Phantom[struct{}]
}

// DispatchSocket resolves once the connection leaves SynSent and SynRcvd.
// A connection that fell back to Closed or TimeWait faults.
func (AwaitEstablished) DispatchSocket(s *Socket, w *sched.Waker) (kont.Resumed, error) {
	var err error
	ok := s.with(func(c engine.Conn) {
		switch c.State() {
		case seqs.StateClosed, seqs.StateTimeWait:
			err = fault(ErrFault, nil)
		case seqs.StateListen:
			err = fault(ErrIO, nil)
		case seqs.StateSynSent, seqs.StateSynRcvd:
			c.RegisterSendWaker(w)
			err = iox.ErrWouldBlock
		}
	})
	return unit(ok, err)
}

func (AwaitEstablished) phase() Phase { return PhaseFirst }

// AwaitLive is the effect operation for the first accept phase: the
// connection must be listening or already established. A closed
// connection is put back into Listen on the bound port.
type AwaitLive struct {
	kont.Phantom[struct{}]
}

// DispatchSocket re-listens a closed connection and resolves, resolves at
// once on Listen and Established, and waits on receive readiness otherwise.
func (AwaitLive) DispatchSocket(s *Socket, w *sched.Waker) (kont.Resumed, error) {
	var err error
	ok := s.with(func(c engine.Conn) {
		switch c.State() {
		case seqs.StateClosed:
			if lerr := c.Listen(s.Port()); lerr != nil {
				s.log.Debug().Err(lerr).Uint16("port", s.Port()).Msg("accept: re-listen")
			}
		case seqs.StateListen, seqs.StateEstablished:
		default:
			c.RegisterRecvWaker(w)
			err = iox.ErrWouldBlock
		}
	})
	return unit(ok, err)
}

func (AwaitLive) phase() Phase { return PhaseFirst }

// AwaitActive is the effect operation for the second accept phase. It
// resumes with the remote endpoint once data may flow.
type AwaitActive struct {
	kont.Phantom[netip.AddrPort]
}

// DispatchSocket resolves on Established and CloseWait, enabling
// keep-alive probes. Closed, Closing, FinWait1 and FinWait2 fault; any
// other state waits on receive readiness.
func (AwaitActive) DispatchSocket(s *Socket, w *sched.Waker) (kont.Resumed, error) {
	var (
		remote netip.AddrPort
		err    error
	)
	ok := s.with(func(c engine.Conn) {
		switch c.State() {
		case seqs.StateEstablished, seqs.StateCloseWait:
			c.SetKeepAlive(DefaultKeepAliveInterval)
			var has bool
			if remote, has = c.RemoteEndpoint(); !has {
				err = fault(ErrIO, engine.ErrUnaddressable)
			}
		case seqs.StateClosed, seqs.StateClosing, seqs.StateFinWait1, seqs.StateFinWait2:
			err = fault(ErrIO, nil)
		default:
			c.RegisterRecvWaker(w)
			err = iox.ErrWouldBlock
		}
	})
	if !ok {
		return nil, fault(ErrIO, ErrClosed)
	}
	if err != nil {
		return nil, err
	}
	return remote, nil
}

func (AwaitActive) phase() Phase { return PhaseSecond }

// BeginClose is the effect operation for the first close phase. It never
// waits.
type BeginClose struct {
	kont.Phantom[struct{}]
}

// DispatchSocket issues the active close, or faults when the connection
// is not active.
func (BeginClose) DispatchSocket(s *Socket, _ *sched.Waker) (kont.Resumed, error) {
	var err error
	ok := s.with(func(c engine.Conn) {
		if !c.IsActive() {
			err = fault(ErrIO, nil)
			return
		}
		c.Close()
	})
	return unit(ok, err)
}

func (BeginClose) phase() Phase { return PhaseFirst }

// AwaitInactive is the effect operation for the second close phase.
type AwaitInactive struct {
	kont.Phantom[struct{}]
}

// DispatchSocket resolves once the connection is no longer active,
// waiting on both readiness directions.
func (AwaitInactive) DispatchSocket(s *Socket, w *sched.Waker) (kont.Resumed, error) {
	var err error
	ok := s.with(func(c engine.Conn) {
		if c.IsActive() {
			c.RegisterSendWaker(w)
			c.RegisterRecvWaker(w)
			err = iox.ErrWouldBlock
		}
	})
	return unit(ok, err)
}

func (AwaitInactive) phase() Phase { return PhaseSecond }

// AwaitReady is the effect operation for a readiness query. It resumes
// with the satisfied subset of Events.
type AwaitReady struct {
	kont.Phantom[PollEvent]
	Events PollEvent
}

// DispatchSocket computes readiness with [Socket.readiness].
func (r AwaitReady) DispatchSocket(s *Socket, w *sched.Waker) (kont.Resumed, error) {
	var (
		ev  PollEvent
		err error
	)
	ok := s.with(func(c engine.Conn) {
		ev, err = s.readiness(c, r.Events, w)
	})
	if !ok {
		return nil, fault(ErrIO, ErrClosed)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (AwaitReady) phase() Phase { return PhaseFirst }

// RecvInto is the effect operation for one read. It resumes with the
// number of bytes copied into Buf.
type RecvInto struct {
	kont.Phantom[int]
	Buf []byte
}

// DispatchSocket reads up to len(Buf) bytes.
// Closed reads as end of stream, and so does a drained connection whose
// peer has finished sending. FinWait1, FinWait2, Listen and TimeWait
// fault.
func (r RecvInto) DispatchSocket(s *Socket, w *sched.Waker) (kont.Resumed, error) {
	var (
		n   int
		err error
	)
	ok := s.with(func(c engine.Conn) {
		switch st := c.State(); st {
		case seqs.StateClosed:
		case seqs.StateFinWait1, seqs.StateFinWait2, seqs.StateListen, seqs.StateTimeWait:
			err = fault(ErrIO, nil)
		default:
			if c.CanRecv() {
				var rerr error
				if n, rerr = c.Recv(r.Buf); rerr != nil {
					err = fault(ErrIO, rerr)
				}
				return
			}
			if st == seqs.StateCloseWait || st == seqs.StateLastAck || st == seqs.StateClosing {
				return
			}
			c.RegisterRecvWaker(w)
			err = iox.ErrWouldBlock
		}
	})
	if !ok {
		return nil, fault(ErrIO, ErrClosed)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (RecvInto) phase() Phase { return PhaseFirst }

// SendFrom is the effect operation for one send iteration of a write.
// It resumes with the number of bytes the engine accepted from Buf; zero
// ends the write. Partial is set once earlier iterations made progress,
// in which case SendFrom never waits.
type SendFrom struct {
	kont.Phantom[int]
	Buf     []byte
	Partial bool
}

// DispatchSocket sends as much of Buf as fits. Closed, Closing and
// CloseWait end the stream with zero; FinWait1, FinWait2, Listen and
// TimeWait fault.
func (f SendFrom) DispatchSocket(s *Socket, w *sched.Waker) (kont.Resumed, error) {
	var (
		n   int
		err error
	)
	ok := s.with(func(c engine.Conn) {
		switch c.State() {
		case seqs.StateClosed, seqs.StateClosing, seqs.StateCloseWait:
		case seqs.StateFinWait1, seqs.StateFinWait2, seqs.StateListen, seqs.StateTimeWait:
			err = fault(ErrIO, nil)
		default:
			switch {
			case c.CanSend():
				var serr error
				if n, serr = c.Send(f.Buf); serr != nil {
					err = fault(ErrIO, serr)
				}
			case f.Partial:
			default:
				c.RegisterSendWaker(w)
				err = iox.ErrWouldBlock
			}
		}
	})
	if !ok {
		return nil, fault(ErrIO, ErrClosed)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (SendFrom) phase() Phase { return PhaseFirst }

// unit turns the outcome of a struct{}-valued dispatch into its result.
func unit(ok bool, err error) (kont.Resumed, error) {
	if !ok {
		return nil, fault(ErrIO, ErrClosed)
	}
	if err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
