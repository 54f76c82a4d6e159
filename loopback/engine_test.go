// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback_test

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"code.hybscloud.com/tcpsock/engine"
	"code.hybscloud.com/tcpsock/loopback"
	"code.hybscloud.com/tcpsock/sched"
	"github.com/soypat/seqs"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newEngine(t *testing.T, mut func(*loopback.Config)) (*loopback.Engine, *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(1700000000, 0)}
	cfg := loopback.DefaultConfig()
	cfg.Now = clk.now
	if mut != nil {
		mut(&cfg)
	}
	e, err := loopback.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, clk
}

func create(t *testing.T, e *loopback.Engine) engine.Handle {
	t.Helper()
	h, err := e.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return h
}

func stateOf(e *loopback.Engine, h engine.Handle) seqs.State {
	var st seqs.State
	e.With(h, func(c engine.Conn) { st = c.State() })
	return st
}

func connect(e *loopback.Engine, h engine.Handle, remote netip.AddrPort, port uint16) error {
	var err error
	e.WithContext(h, func(c engine.Conn, cx engine.Context) {
		err = c.Connect(cx, remote, port)
	})
	return err
}

func send(e *loopback.Engine, h engine.Handle, p []byte) int {
	var n int
	e.With(h, func(c engine.Conn) { n, _ = c.Send(p) })
	return n
}

func recv(e *loopback.Engine, h engine.Handle, n int) ([]byte, error) {
	buf := make([]byte, n)
	var (
		got int
		err error
	)
	e.With(h, func(c engine.Conn) { got, err = c.Recv(buf) })
	return buf[:got], err
}

// pair returns a listening connection on port 8080 and a client
// connected to it from port 40000.
func pair(t *testing.T, e *loopback.Engine) (srv, cli engine.Handle) {
	t.Helper()
	srv = create(t, e)
	cli = create(t, e)
	var err error
	e.With(srv, func(c engine.Conn) { err = c.Listen(8080) })
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := connect(e, cli, netip.AddrPortFrom(e.Addr(), 8080), 40000); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return srv, cli
}

func TestHandshake(t *testing.T) {
	e, _ := newEngine(t, nil)
	srv, cli := pair(t, e)

	if st := stateOf(e, srv); st != seqs.StateEstablished {
		t.Fatalf("server state: %v", st)
	}
	if st := stateOf(e, cli); st != seqs.StateEstablished {
		t.Fatalf("client state: %v", st)
	}
	cliAddr := netip.AddrPortFrom(e.Addr(), 40000)
	srvAddr := netip.AddrPortFrom(e.Addr(), 8080)
	e.With(cli, func(c engine.Conn) {
		if ap, _ := c.LocalEndpoint(); ap != cliAddr {
			t.Errorf("client local: %v", ap)
		}
		if ap, _ := c.RemoteEndpoint(); ap != srvAddr {
			t.Errorf("client remote: %v", ap)
		}
	})
	e.With(srv, func(c engine.Conn) {
		if ap, _ := c.RemoteEndpoint(); ap != cliAddr {
			t.Errorf("server remote: %v", ap)
		}
		if !c.IsActive() || !c.CanSend() || c.CanRecv() {
			t.Errorf("server predicates: active=%v cansend=%v canrecv=%v", c.IsActive(), c.CanSend(), c.CanRecv())
		}
	})
	if s := e.Stats(); s.Segments < 3 || s.Conns != 2 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestListenEndpoints(t *testing.T) {
	e, _ := newEngine(t, nil)
	h := create(t, e)
	e.With(h, func(c engine.Conn) {
		if err := c.Listen(0); !errors.Is(err, engine.ErrUnaddressable) {
			t.Errorf("Listen(0): %v", err)
		}
		if err := c.Listen(8080); err != nil {
			t.Fatalf("Listen: %v", err)
		}
		if err := c.Listen(8081); !errors.Is(err, engine.ErrInvalidState) {
			t.Errorf("second Listen: %v", err)
		}
		if ap, ok := c.LocalEndpoint(); !ok || ap.Port() != 8080 {
			t.Errorf("local: %v %v", ap, ok)
		}
		if _, ok := c.RemoteEndpoint(); ok {
			t.Error("listening connection has a remote endpoint")
		}
		if !c.IsOpen() || c.IsActive() {
			t.Errorf("open=%v active=%v", c.IsOpen(), c.IsActive())
		}
	})
}

func TestConnectRefused(t *testing.T) {
	e, _ := newEngine(t, nil)
	cli := create(t, e)
	if err := connect(e, cli, netip.AddrPortFrom(e.Addr(), 9), 40001); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if st := stateOf(e, cli); st != seqs.StateClosed {
		t.Fatalf("state: %v", st)
	}
	if e.Stats().Resets == 0 {
		t.Fatal("no reset counted")
	}
}

func TestConnectRejected(t *testing.T) {
	e, _ := newEngine(t, nil)
	cli := create(t, e)
	err := connect(e, cli, netip.MustParseAddrPort("10.9.9.9:80"), 40002)
	if !errors.Is(err, engine.ErrUnaddressable) {
		t.Fatalf("foreign address: %v", err)
	}
	err = connect(e, cli, netip.AddrPortFrom(e.Addr(), 80), 0)
	if !errors.Is(err, engine.ErrUnaddressable) {
		t.Fatalf("port 0: %v", err)
	}
	_, cli2 := pair(t, e)
	err = connect(e, cli2, netip.AddrPortFrom(e.Addr(), 8080), 40003)
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("connect while open: %v", err)
	}
}

func TestDelayedAckAndNagle(t *testing.T) {
	e, clk := newEngine(t, nil)
	srv, cli := pair(t, e)

	send(e, cli, []byte("a"))
	send(e, cli, []byte("b"))
	got, err := recv(e, srv, 16)
	if err != nil || string(got) != "a" {
		t.Fatalf("first recv: got (%q, %v)", got, err)
	}
	// The second byte waits for the delayed ACK of the first.
	got, _ = recv(e, srv, 16)
	if len(got) != 0 {
		t.Fatalf("small segment sent with data in flight: %q", got)
	}
	clk.advance(loopback.DefaultConfig().AckDelay)
	e.Poll()
	got, err = recv(e, srv, 16)
	if err != nil || string(got) != "b" {
		t.Fatalf("after ack delay: got (%q, %v)", got, err)
	}
}

func TestNagleDisabled(t *testing.T) {
	e, _ := newEngine(t, nil)
	srv, cli := pair(t, e)
	e.With(cli, func(c engine.Conn) { c.SetNagleEnabled(false) })

	send(e, cli, []byte("a"))
	send(e, cli, []byte("b"))
	got, err := recv(e, srv, 16)
	if err != nil || string(got) != "ab" {
		t.Fatalf("got (%q, %v)", got, err)
	}
}

func TestFlowControl(t *testing.T) {
	e, _ := newEngine(t, func(cfg *loopback.Config) { cfg.RxBuffer = 1024 })
	srv, cli := pair(t, e)

	p := make([]byte, 3000)
	for i := range p {
		p[i] = byte(i)
	}
	if n := send(e, cli, p); n != len(p) {
		t.Fatalf("Send: %d", n)
	}
	var got []byte
	for i := 0; i < 16 && len(got) < len(p); i++ {
		chunk, err := recv(e, srv, 4096)
		if err != nil {
			t.Fatal(err)
		}
		if len(chunk) > 1024 {
			t.Fatalf("window overrun: %d bytes buffered", len(chunk))
		}
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, p) {
		t.Fatalf("received %d bytes, want %d", len(got), len(p))
	}
}

func TestOrderlyClose(t *testing.T) {
	e, clk := newEngine(t, nil)
	srv, cli := pair(t, e)

	e.With(cli, func(c engine.Conn) { c.Close() })
	if st := stateOf(e, cli); st != seqs.StateFinWait2 {
		t.Fatalf("client after close: %v", st)
	}
	if st := stateOf(e, srv); st != seqs.StateCloseWait {
		t.Fatalf("server after peer FIN: %v", st)
	}
	if _, err := recv(e, srv, 8); !errors.Is(err, engine.ErrFinished) {
		t.Fatalf("recv after FIN: %v", err)
	}
	e.With(srv, func(c engine.Conn) {
		if !c.MaySend() {
			t.Error("close-wait cannot send")
		}
		c.Close()
	})
	if st := stateOf(e, srv); st != seqs.StateClosed {
		t.Fatalf("server after close: %v", st)
	}
	if st := stateOf(e, cli); st != seqs.StateTimeWait {
		t.Fatalf("client after peer FIN: %v", st)
	}
	clk.advance(loopback.DefaultConfig().TimeWait)
	e.Poll()
	if st := stateOf(e, cli); st != seqs.StateClosed {
		t.Fatalf("client after time-wait: %v", st)
	}
}

func TestCloseFlushesData(t *testing.T) {
	e, _ := newEngine(t, func(cfg *loopback.Config) { cfg.RxBuffer = 1024 })
	srv, cli := pair(t, e)

	send(e, cli, make([]byte, 2048))
	e.With(cli, func(c engine.Conn) { c.Close() })
	if st := stateOf(e, cli); st != seqs.StateFinWait1 {
		t.Fatalf("client with queued data: %v", st)
	}
	total := 0
	for range 8 {
		chunk, err := recv(e, srv, 4096)
		if err != nil {
			break
		}
		total += len(chunk)
	}
	if total != 2048 {
		t.Fatalf("received %d bytes before FIN, want 2048", total)
	}
	if st := stateOf(e, srv); st != seqs.StateCloseWait {
		t.Fatalf("server: %v", st)
	}
}

func TestDestroyResetsPeer(t *testing.T) {
	e, _ := newEngine(t, nil)
	srv, cli := pair(t, e)
	before := e.Stats().Resets
	e.Destroy(cli)
	if st := stateOf(e, srv); st != seqs.StateClosed {
		t.Fatalf("server after reset: %v", st)
	}
	if s := e.Stats(); s.Resets <= before || s.Conns != 1 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestKeepAlive(t *testing.T) {
	e, clk := newEngine(t, nil)
	srv, cli := pair(t, e)
	e.With(srv, func(c engine.Conn) { c.SetKeepAlive(75 * time.Second) })

	clk.advance(74 * time.Second)
	e.Poll()
	if n := e.Stats().KeepAlives; n != 0 {
		t.Fatalf("early probe: %d", n)
	}
	clk.advance(time.Second)
	e.Poll()
	if n := e.Stats().KeepAlives; n != 1 {
		t.Fatalf("probes: %d", n)
	}
	if stateOf(e, srv) != seqs.StateEstablished || stateOf(e, cli) != seqs.StateEstablished {
		t.Fatal("probe disturbed the connection")
	}
}

func TestWakers(t *testing.T) {
	e, _ := newEngine(t, nil)
	srv, cli := pair(t, e)

	rw := sched.NewWaker()
	e.With(srv, func(c engine.Conn) { c.RegisterRecvWaker(rw) })
	sw := sched.NewWaker()
	e.With(cli, func(c engine.Conn) {
		c.RegisterSendWaker(sw)
		c.Send([]byte("wake"))
	})
	if !rw.Woken() {
		t.Fatal("receive waker not woken by data")
	}
	if !sw.Woken() {
		t.Fatal("send waker not woken by transmission")
	}
}

func TestHandles(t *testing.T) {
	e, _ := newEngine(t, func(cfg *loopback.Config) { cfg.MaxConns = 1 })
	h := create(t, e)
	if _, err := e.Create(); !errors.Is(err, engine.ErrExhausted) {
		t.Fatalf("second Create: %v", err)
	}
	e.Destroy(h)
	h2 := create(t, e)
	if h2 == h {
		t.Fatal("handle reused across generations")
	}
	defer func() {
		if recover() == nil {
			t.Fatal("stale handle accepted")
		}
	}()
	e.With(h, func(engine.Conn) {})
}

func TestNewInvalid(t *testing.T) {
	cfg := loopback.DefaultConfig()
	cfg.MSS = 0
	if _, err := loopback.New(cfg); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestRunStops(t *testing.T) {
	e, _ := newEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
