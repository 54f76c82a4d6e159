// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

// Waker signals a suspended operation that it should be polled again.
// A Waker holds at most one pending signal; Wake never blocks, so waking a
// Waker nobody listens to any more is harmless.
type Waker struct {
	c chan struct{}
}

// NewWaker returns a Waker with no pending signal.
func NewWaker() *Waker {
	return &Waker{c: make(chan struct{}, 1)}
}

// Wake records a signal. Repeated wakes before the signal is consumed
// coalesce into one.
func (w *Waker) Wake() {
	select {
	case w.c <- struct{}{}:
	default:
	}
}

// C returns the channel that receives a value for each coalesced signal.
func (w *Waker) C() <-chan struct{} {
	return w.c
}

// Woken consumes a pending signal without waiting.
func (w *Waker) Woken() bool {
	select {
	case <-w.c:
		return true
	default:
		return false
	}
}

// WakerSlot holds the single waker an engine wakes on the next readiness
// change in one direction. Registering replaces the previous waker.
// The zero value is an empty slot. Callers provide synchronization.
type WakerSlot struct {
	w *Waker
}

// Register stores w in the slot, dropping any previous waker.
func (s *WakerSlot) Register(w *Waker) {
	s.w = w
}

// Wake wakes and clears the registered waker. It reports whether one was
// registered.
func (s *WakerSlot) Wake() bool {
	w := s.w
	if w == nil {
		return false
	}
	s.w = nil
	w.Wake()
	return true
}

// Registered reports whether a waker is waiting in the slot.
func (s *WakerSlot) Registered() bool {
	return s.w != nil
}
