// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback

import (
	"net/netip"
	"time"

	"github.com/soypat/seqs"
)

// pollLocked runs timers, then alternates transmit and receive until the
// link is quiet. It reports whether anything happened.
func (e *Engine) pollLocked(now time.Time) bool {
	progress := e.timers(now)
	for range maxRounds {
		moved := false
		for i := range e.slots {
			s := &e.slots[i]
			if s.used && e.output(&s.c, now) {
				moved = true
			}
		}
		if e.drain(now) {
			moved = true
		}
		if !moved {
			break
		}
		progress = true
	}
	return progress
}

func (e *Engine) send(seg segment) bool {
	if !e.link.push(seg) {
		return false
	}
	e.stats.Segments++
	return true
}

// transmit sends seg, draining the link first if it is full.
func (e *Engine) transmit(seg segment) {
	if e.send(seg) {
		return
	}
	e.drain(e.now())
	if !e.send(seg) {
		e.stats.Dropped++
	}
}

// emit sends a segment from c, piggybacking the acknowledgment and window.
func (e *Engine) emit(c *conn, flags seqs.Flags, seq seqs.Value, payload []byte) bool {
	seg := segment{
		src:     c.local,
		dst:     c.remote,
		seq:     seq,
		wnd:     seqs.Size(c.rx.Free()),
		flags:   flags,
		payload: payload,
	}
	if flags.HasAny(seqs.FlagACK) {
		seg.ack = c.rcv.NXT
	}
	if !e.send(seg) {
		return false
	}
	if flags.HasAny(seqs.FlagACK) {
		c.ackNow = false
		c.ackDue = time.Time{}
	}
	c.edge = seqs.Add(c.rcv.NXT, seg.wnd)
	return true
}

func (e *Engine) drain(now time.Time) bool {
	moved := false
	for {
		seg, ok := e.link.pop()
		if !ok {
			return moved
		}
		moved = true
		e.input(seg, now)
	}
}

// demux finds the connection seg is addressed to.
func (e *Engine) demux(seg *segment) *conn {
	for i := range e.slots {
		s := &e.slots[i]
		if !s.used {
			continue
		}
		c := &s.c
		if c.state == seqs.StateClosed || c.state == seqs.StateListen {
			continue
		}
		if c.local == seg.dst && c.remote == seg.src {
			return c
		}
	}
	if !seg.flags.HasAny(seqs.FlagSYN) || seg.flags.HasAny(seqs.FlagACK) || seg.dst.Addr() != e.cfg.Addr {
		return nil
	}
	for i := range e.slots {
		s := &e.slots[i]
		if s.used && s.c.state == seqs.StateListen && s.c.local.Port() == seg.dst.Port() {
			return &s.c
		}
	}
	return nil
}

func (e *Engine) input(seg segment, now time.Time) {
	c := e.demux(&seg)
	if c == nil {
		e.refuse(&seg)
		return
	}
	c.lastSeen = now
	switch c.state {
	case seqs.StateListen:
		e.inputListen(c, &seg)
	case seqs.StateSynSent:
		e.inputSynSent(c, &seg)
	default:
		e.inputSynchronized(c, &seg, now)
	}
}

// refuse answers seg with a reset. Resets are never answered.
func (e *Engine) refuse(seg *segment) {
	if seg.flags.HasAny(seqs.FlagRST) {
		return
	}
	rst := segment{src: seg.dst, dst: seg.src, flags: seqs.FlagRST}
	if seg.flags.HasAny(seqs.FlagACK) {
		rst.seq = seg.ack
	} else {
		rst.flags |= seqs.FlagACK
		rst.ack = seqs.Add(seg.seq, seg.len())
	}
	e.log.Debug().Stringer("src", seg.src).Stringer("dst", seg.dst).Stringer("flags", seg.flags).Msg("reset")
	e.stats.Resets++
	e.send(rst)
}

func (e *Engine) inputListen(c *conn, seg *segment) {
	switch {
	case seg.flags.HasAny(seqs.FlagRST):
	case seg.flags.HasAny(seqs.FlagACK):
		e.refuse(seg)
	case seg.flags.HasAny(seqs.FlagSYN):
		c.local = seg.dst
		c.remote = seg.src
		c.rcv = recvSpace{IRS: seg.seq, NXT: seqs.Add(seg.seq, 1)}
		iss := seqs.Value(e.prand32())
		c.snd = sendSpace{ISS: iss, UNA: iss, NXT: iss, WND: seg.wnd}
		c.synPending = true
		c.setState(seqs.StateSynRcvd)
	}
}

func (e *Engine) inputSynSent(c *conn, seg *segment) {
	acceptable := seg.flags.HasAny(seqs.FlagACK) && seg.ack == seqs.Add(c.snd.ISS, 1)
	switch {
	case seg.flags.HasAny(seqs.FlagRST):
		if acceptable {
			c.clearFlow()
			c.setState(seqs.StateClosed)
		}
	case seg.flags.HasAll(seqs.FlagSYN|seqs.FlagACK) && acceptable:
		c.rcv = recvSpace{IRS: seg.seq, NXT: seqs.Add(seg.seq, 1)}
		c.snd.UNA = seg.ack
		c.snd.WND = seg.wnd
		c.ackNow = true
		c.setState(seqs.StateEstablished)
	case seg.flags.HasAny(seqs.FlagACK) && !acceptable:
		e.refuse(seg)
	}
}

func (e *Engine) inputSynchronized(c *conn, seg *segment, now time.Time) {
	if seg.flags.HasAny(seqs.FlagRST) {
		e.log.Debug().Stringer("local", c.local).Str("state", c.state.String()).Msg("reset by peer")
		if c.state == seqs.StateSynRcvd {
			c.clearFlow()
			c.remote = netip.AddrPort{}
			c.setState(seqs.StateListen)
			return
		}
		c.clearFlow()
		c.setState(seqs.StateClosed)
		return
	}
	if seg.flags.HasAny(seqs.FlagSYN) {
		c.ackNow = true
		return
	}
	if seg.flags.HasAny(seqs.FlagACK) {
		e.acknowledge(c, seg, now)
	}

	if n := len(seg.payload); n > 0 {
		if seg.seq != c.rcv.NXT || !acceptsData(c.state) {
			c.ackNow = true
			e.stats.Dropped++
		} else {
			accepted := min(n, c.rx.Free())
			if accepted > 0 {
				c.rx.Write(seg.payload[:accepted])
				c.rcv.NXT = seqs.Add(c.rcv.NXT, seqs.Size(accepted))
				c.recvWaker.Wake()
			}
			if accepted < n {
				e.stats.Dropped++
			}
			if c.ackDelay <= 0 {
				c.ackNow = true
			} else if c.ackDue.IsZero() {
				c.ackDue = now.Add(c.ackDelay)
			}
		}
	} else if seg.seq != c.rcv.NXT && !seg.flags.HasAny(seqs.FlagFIN) {
		// Keep-alive probe.
		c.ackNow = true
	}

	if seg.flags.HasAny(seqs.FlagFIN) && seqs.Add(seg.seq, seqs.Size(len(seg.payload))) == c.rcv.NXT {
		c.rcv.NXT = seqs.Add(c.rcv.NXT, 1)
		c.ackNow = true
		switch c.state {
		case seqs.StateSynRcvd, seqs.StateEstablished:
			c.setState(seqs.StateCloseWait)
		case seqs.StateFinWait1:
			c.setState(seqs.StateClosing)
		case seqs.StateFinWait2:
			c.timeWait = now.Add(e.cfg.TimeWait)
			c.setState(seqs.StateTimeWait)
		}
	}
}

// acknowledge processes the ACK field of seg.
func (e *Engine) acknowledge(c *conn, seg *segment, now time.Time) {
	if !seqs.LessThanEq(c.snd.UNA, seg.ack) || !seqs.LessThanEq(seg.ack, c.snd.NXT) {
		c.ackNow = true
		return
	}
	c.snd.UNA = seg.ack
	c.snd.WND = seg.wnd
	if c.snd.UNA != c.snd.NXT || c.synPending {
		return
	}
	switch c.state {
	case seqs.StateSynRcvd:
		c.setState(seqs.StateEstablished)
	case seqs.StateFinWait1:
		if c.finSent {
			c.setState(seqs.StateFinWait2)
		}
	case seqs.StateClosing:
		if c.finSent {
			c.timeWait = now.Add(e.cfg.TimeWait)
			c.setState(seqs.StateTimeWait)
		}
	case seqs.StateLastAck:
		if c.finSent {
			c.setState(seqs.StateClosed)
		}
	}
}

func acceptsData(s seqs.State) bool {
	switch s {
	case seqs.StateEstablished, seqs.StateFinWait1, seqs.StateFinWait2:
		return true
	}
	return false
}

// carriesData reports whether queued data may still be sent in state s.
func carriesData(s seqs.State) bool {
	switch s {
	case seqs.StateEstablished, seqs.StateCloseWait, seqs.StateFinWait1, seqs.StateLastAck:
		return true
	}
	return false
}

// output sends whatever c has pending: SYN, data within the peer window,
// FIN once the send buffer drains, and owed acknowledgments.
func (e *Engine) output(c *conn, now time.Time) bool {
	sent := false
	if c.synPending {
		flags := seqs.FlagSYN
		if c.fromListen {
			flags |= seqs.FlagACK
		}
		if !e.emit(c, flags, c.snd.ISS, nil) {
			return false
		}
		c.snd.NXT = seqs.Add(c.snd.ISS, 1)
		c.synPending = false
		sent = true
	}
	for !c.finSent && carriesData(c.state) && c.tx.Length() > 0 && !e.link.full() {
		inflight := c.inflight()
		usable := 0
		if c.snd.WND > inflight {
			usable = int(c.snd.WND - inflight)
		}
		n := min(c.tx.Length(), usable, e.cfg.MSS)
		if n == 0 {
			break
		}
		if c.nagle && n < e.cfg.MSS && inflight > 0 {
			break
		}
		payload := make([]byte, n)
		n, _ = c.tx.Read(payload)
		e.emit(c, seqs.FlagACK|seqs.FlagPSH, c.snd.NXT, payload[:n])
		c.snd.NXT = seqs.Add(c.snd.NXT, seqs.Size(n))
		c.sendWaker.Wake()
		sent = true
	}
	if c.finQueued && !c.finSent && c.tx.Length() == 0 {
		if !e.emit(c, seqs.FlagFIN|seqs.FlagACK, c.snd.NXT, nil) {
			return sent
		}
		c.snd.NXT = seqs.Add(c.snd.NXT, 1)
		c.finSent = true
		sent = true
	}
	if c.ackNow || (!c.ackDue.IsZero() && !now.Before(c.ackDue)) {
		if !c.remote.IsValid() {
			c.ackNow = false
			c.ackDue = time.Time{}
			return sent
		}
		if e.emit(c, seqs.FlagACK, c.snd.NXT, nil) {
			sent = true
		}
	}
	return sent
}

// timers expires TimeWait and sends keep-alive probes.
func (e *Engine) timers(now time.Time) bool {
	fired := false
	for i := range e.slots {
		s := &e.slots[i]
		if !s.used {
			continue
		}
		c := &s.c
		switch {
		case c.state == seqs.StateTimeWait && !now.Before(c.timeWait):
			c.setState(seqs.StateClosed)
			fired = true
		case c.state == seqs.StateEstablished && c.keepAlive > 0 && now.Sub(c.lastSeen) >= c.keepAlive:
			if e.emit(c, seqs.FlagACK, c.snd.NXT-1, nil) {
				c.lastSeen = now
				e.stats.KeepAlives++
				fired = true
			}
		}
	}
	return fired
}
