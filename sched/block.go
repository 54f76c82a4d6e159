// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sched provides the cooperative suspension primitives the socket
// layer runs on: wakers, deadlines, and BlockOn, which drives a non-blocking
// [Future] to completion or until its deadline passes.
//
// A Future signals "not yet" by returning [code.hybscloud.com/iox.ErrWouldBlock]
// after arranging for its Waker to be woken. BlockOn never holds any lock
// of the polled operation while it waits.
package sched

import (
	"errors"
	"time"

	"code.hybscloud.com/iox"
)

// ErrTimedOut is returned by BlockOn when the deadline passes before the
// Future resolves.
var ErrTimedOut = errors.New("sched: timed out")

// Future is a suspending operation polled by a scheduler.
//
// Poll advances the operation as far as possible. It returns the result on
// completion, a terminal error on failure, or iox.ErrWouldBlock when the
// operation is pending; in the last case w is woken when polling again may
// make progress.
type Future[T any] interface {
	Poll(w *Waker) (T, error)
}

// FutureFunc adapts a function to Future.
type FutureFunc[T any] func(w *Waker) (T, error)

// Poll calls f(w).
func (f FutureFunc[T]) Poll(w *Waker) (T, error) {
	return f(w)
}

// Deadline bounds how long BlockOn waits.
// The zero value is Forever.
type Deadline struct {
	d   time.Duration
	set bool
}

var (
	// Forever waits until the Future resolves.
	Forever = Deadline{}
	// Immediate polls exactly once.
	Immediate = Deadline{set: true}
)

// Within returns a Deadline d from the first poll. A non-positive d is
// equivalent to Immediate.
func Within(d time.Duration) Deadline {
	if d < 0 {
		d = 0
	}
	return Deadline{d: d, set: true}
}

// IsForever reports whether the deadline never expires.
func (d Deadline) IsForever() bool { return !d.set }

// IsImmediate reports whether the deadline allows a single poll only.
func (d Deadline) IsImmediate() bool { return d.set && d.d == 0 }

// Duration returns the deadline length and whether one is set.
func (d Deadline) Duration() (time.Duration, bool) { return d.d, d.set }

// BlockOn polls f until it resolves or the deadline passes.
// A pending Future is polled again only after its Waker is woken.
// Terminal errors from f are returned unchanged.
func BlockOn[T any](f Future[T], d Deadline) (T, error) {
	var zero T
	w := NewWaker()
	var expired <-chan time.Time
	for {
		v, err := f.Poll(w)
		if !iox.IsWouldBlock(err) {
			return v, err
		}
		if d.IsImmediate() {
			return zero, ErrTimedOut
		}
		if d.set && expired == nil {
			t := time.NewTimer(d.d)
			defer t.Stop()
			expired = t.C
		}
		select {
		case <-w.C():
		case <-expired:
			return zero, ErrTimedOut
		}
	}
}
