// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tcpsock provides POSIX-like TCP sockets over a cooperative TCP
// engine reached through [code.hybscloud.com/tcpsock/engine.Facade].
//
// A [Socket] owns one connection object of the engine and translates each
// socket call into probes and transitions of that connection's state
// machine. The engine's state is the only record of connection status.
//
// # Architecture
//
//   - Effects: every suspending call is a protocol of effect operations on [code.hybscloud.com/kont]: [Dial], [AwaitEstablished], [AwaitLive], [AwaitActive], [BeginClose], [AwaitInactive], [AwaitReady], [RecvInto], [SendFrom].
//   - Non-blocking: dispatch registers a [sched.Waker] with the engine and returns [code.hybscloud.com/iox.ErrWouldBlock] when the connection is not ready. The engine lock is never held while waiting.
//   - Operations: [Operation] is the explicit state machine of one pending call (not started, first phase, second phase, done) and implements [sched.Future].
//   - Blocking: Socket methods drive Operations with [sched.BlockOn]. Non-blocking mode polls once and reports [ErrWouldBlock].
//
// # Integration
//
//   - Stepping: [Step] and [Advance] evaluate a protocol such as [AcceptEff] one effect at a time.
//   - Scheduling: StartConnect, StartAccept, StartRead, StartWrite, StartPoll and StartClose return Operations for an external scheduler.
//   - Errors: every error is an [*OpError] of kind [ErrIO], [ErrFault], [ErrWouldBlock] or [ErrInvalid]; [Errno] maps them onto errno values.
//
// # Example
//
//	s, _ := tcpsock.New(eng)
//	_ = s.Bind(&net.TCPAddr{Port: 8080})
//	_ = s.Listen(1)
//	peer, err := s.Accept()
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//	n, err := s.Read(buf)
package tcpsock
