// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpsock

import (
	"errors"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
	"code.hybscloud.com/tcpsock/sched"
)

// Phase is the wait state of an Operation.
type Phase uint8

const (
	// PhaseNotStarted is the state before the first Poll.
	PhaseNotStarted Phase = iota
	// PhaseFirst is waiting on the first (or only) readiness condition.
	PhaseFirst
	// PhaseSecond is waiting on the second readiness condition of a
	// two-phase accept or close.
	PhaseSecond
	// PhaseDone is the state after the result or a terminal error.
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not-started"
	case PhaseFirst:
		return "first"
	case PhaseSecond:
		return "second"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

// Operation is one pending socket operation. It implements
// [sched.Future], so any scheduler can drive it; Socket's blocking methods
// drive it with [sched.BlockOn].
//
// Each Poll advances the protocol as far as the connection allows. A
// terminal error discards the suspension; later polls repeat the outcome.
type Operation[R any] struct {
	s      *Socket
	name   string
	expr   kont.Expr[R]
	susp   *kont.Suspension[R]
	phase  Phase
	result R
	err    error
}

var _ sched.Future[struct{}] = (*Operation[struct{}])(nil)

func newOperation[R any](s *Socket, name string, protocol kont.Eff[R]) *Operation[R] {
	return &Operation[R]{s: s, name: name, expr: kont.Reify(protocol)}
}

// Phase reports the wait state.
func (o *Operation[R]) Phase() Phase { return o.phase }

// Poll implements sched.Future.
func (o *Operation[R]) Poll(w *sched.Waker) (R, error) {
	switch o.phase {
	case PhaseDone:
		return o.result, o.err
	case PhaseNotStarted:
		result, susp := Step(o.expr)
		o.expr = kont.Expr[R]{}
		if susp == nil {
			return o.finish(result, nil)
		}
		o.susp = susp
	}
	for {
		if sop, ok := o.susp.Op().(socketDispatcher); ok {
			o.phase = sop.phase()
		}
		result, next, err := Advance(o.s, w, o.susp)
		if err != nil {
			if iox.IsWouldBlock(err) {
				var zero R
				return zero, iox.ErrWouldBlock
			}
			o.susp.Discard()
			o.susp = nil
			var zero R
			return o.finish(zero, o.label(err))
		}
		if next == nil {
			return o.finish(result, nil)
		}
		o.susp = next
	}
}

func (o *Operation[R]) finish(result R, err error) (R, error) {
	o.phase = PhaseDone
	o.result = result
	o.err = err
	return result, err
}

// label names the operation on errors raised by its effects.
func (o *Operation[R]) label(err error) error {
	var oe *OpError
	if errors.As(err, &oe) {
		if oe.Op == "" {
			oe.Op = o.name
		}
		return err
	}
	return &OpError{Op: o.name, Kind: ErrIO, Err: err}
}

// wait drives op to completion under d. A deadline that passes is
// reported as ErrWouldBlock.
func wait[R any](op *Operation[R], d sched.Deadline) (R, error) {
	v, err := sched.BlockOn[R](op, d)
	if errors.Is(err, sched.ErrTimedOut) {
		return v, &OpError{Op: op.name, Kind: ErrWouldBlock}
	}
	return v, err
}
