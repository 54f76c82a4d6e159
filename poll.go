// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpsock

import (
	"strings"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/tcpsock/engine"
	"code.hybscloud.com/tcpsock/sched"
	"github.com/soypat/seqs"
)

// PollEvent is a poll(2) event mask.
type PollEvent uint16

// Poll event bits, as in poll(2).
const (
	PollIn     PollEvent = 0x1
	PollPri    PollEvent = 0x2
	PollOut    PollEvent = 0x4
	PollErr    PollEvent = 0x8
	PollHup    PollEvent = 0x10
	PollNval   PollEvent = 0x20
	PollRdNorm PollEvent = 0x40
	PollRdBand PollEvent = 0x80
	PollWrNorm PollEvent = 0x100
	PollWrBand PollEvent = 0x200
	PollRdHup  PollEvent = 0x2000
)

const (
	pollReadable = PollIn | PollRdNorm | PollRdBand
	pollWritable = PollOut | PollWrNorm | PollWrBand
)

var pollNames = [...]struct {
	ev   PollEvent
	name string
}{
	{PollIn, "IN"}, {PollPri, "PRI"}, {PollOut, "OUT"}, {PollErr, "ERR"},
	{PollHup, "HUP"}, {PollNval, "NVAL"}, {PollRdNorm, "RDNORM"},
	{PollRdBand, "RDBAND"}, {PollWrNorm, "WRNORM"}, {PollWrBand, "WRBAND"},
	{PollRdHup, "RDHUP"},
}

func (ev PollEvent) String() string {
	if ev == 0 {
		return "0"
	}
	var b strings.Builder
	for _, n := range pollNames {
		if ev&n.ev == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(n.name)
	}
	return b.String()
}

// readiness computes the satisfied subset of events, registering w in the
// directions the caller asked for when nothing is satisfied.
func (s *Socket) readiness(c engine.Conn, events PollEvent, w *sched.Waker) (PollEvent, error) {
	switch c.State() {
	case seqs.StateClosed, seqs.StateClosing, seqs.StateCloseWait:
		if ret := events & (pollReadable | pollWritable); ret != 0 {
			return ret, nil
		}
		return PollHup, nil
	case seqs.StateFinWait1, seqs.StateFinWait2, seqs.StateTimeWait:
		return PollHup, nil
	case seqs.StateListen:
		c.RegisterRecvWaker(w)
		c.RegisterSendWaker(w)
		return 0, iox.ErrWouldBlock
	}
	var avail PollEvent
	// A freshly established connection is reported readable once, even if
	// its data arrived before anyone looked.
	if c.CanRecv() || c.MayRecv() && s.listen.CompareAndSwap(1, 0) {
		avail |= pollReadable
	}
	if c.CanSend() {
		avail |= pollWritable
	}
	if ret := events & avail; ret != 0 {
		return ret, nil
	}
	if events&pollReadable != 0 {
		c.RegisterRecvWaker(w)
	}
	if events&pollWritable != 0 {
		c.RegisterSendWaker(w)
	}
	return 0, iox.ErrWouldBlock
}
