// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpsock

import (
	"net/netip"

	"code.hybscloud.com/kont"
)

// ConnectEff is the connect protocol: Dial, then AwaitEstablished.
func ConnectEff(remote netip.AddrPort) kont.Eff[struct{}] {
	return kont.Then(kont.Perform(Dial{Remote: remote}), kont.Perform(AwaitEstablished{}))
}

// AcceptEff is the two-phase accept protocol: AwaitLive, then AwaitActive.
func AcceptEff() kont.Eff[netip.AddrPort] {
	return kont.Then(kont.Perform(AwaitLive{}), kont.Perform(AwaitActive{}))
}

// CloseEff is the two-phase graceful close protocol: BeginClose, then
// AwaitInactive.
func CloseEff() kont.Eff[struct{}] {
	return kont.Then(kont.Perform(BeginClose{}), kont.Perform(AwaitInactive{}))
}

// PollEff is the readiness query for events.
func PollEff(events PollEvent) kont.Eff[PollEvent] {
	return kont.Perform(AwaitReady{Events: events})
}

// ReadEff reads once into p.
func ReadEff(p []byte) kont.Eff[int] {
	return kont.Perform(RecvInto{Buf: p})
}

// WriteEff sends p with repeated SendFrom operations until p is consumed
// or an iteration makes no progress. It resumes with the bytes sent.
func WriteEff(p []byte) kont.Eff[int] {
	if len(p) == 0 {
		return kont.Pure(0)
	}
	return Loop(0, func(pos int) kont.Eff[kont.Either[int, int]] {
		return kont.Bind(kont.Perform(SendFrom{Buf: p[pos:], Partial: pos > 0}), func(n int) kont.Eff[kont.Either[int, int]] {
			if n == 0 {
				return kont.Pure(kont.Right[int](pos))
			}
			pos += n
			if pos >= len(p) {
				return kont.Pure(kont.Right[int](pos))
			}
			return kont.Pure(kont.Left[int, int](pos))
		})
	})
}
