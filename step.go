// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpsock

import (
	"code.hybscloud.com/kont"
	"code.hybscloud.com/tcpsock/sched"
)

// Step evaluates a socket protocol until the first effect suspension.
// Returns (result, nil) on completion, or (zero, suspension) if pending.
func Step[R any](protocol kont.Expr[R]) (R, *kont.Suspension[R]) {
	return kont.StepExpr(protocol)
}

// Advance dispatches the suspended socket operation on s.
// DispatchSocket is non-blocking: it registers w and returns
// iox.ErrWouldBlock when the connection is not ready.
//
// On success (nil error), the suspension is consumed and the protocol
// advances to the next effect or completion.
// On iox.ErrWouldBlock, the suspension is unconsumed and may be retried
// once w is woken.
// On any other error, the suspension is unconsumed; the caller either
// discards it or retries.
func Advance[R any](s *Socket, w *sched.Waker, susp *kont.Suspension[R]) (R, *kont.Suspension[R], error) {
	sop, ok := susp.Op().(socketDispatcher)
	if !ok {
		panic("tcpsock: unhandled effect in Advance")
	}
	v, err := sop.DispatchSocket(s, w)
	if err != nil {
		var zero R
		return zero, susp, err
	}
	result, next := susp.Resume(v)
	return result, next, nil
}
