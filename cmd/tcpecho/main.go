// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command tcpecho runs an echo server and its clients over sockets on an
// in-process loopback engine and reports throughput.
//
//	tcpecho --clients 4 --bytes 4MiB --nodelay
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.hybscloud.com/tcpsock"
	"code.hybscloud.com/tcpsock/loopback"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type options struct {
	config      string
	port        uint16
	size        string
	clients     int
	nodelay     bool
	nonblocking bool
	level       string
}

func main() {
	var o options
	flag.StringVar(&o.config, "config", "", "loopback engine config file (TOML)")
	flag.Uint16Var(&o.port, "port", 8080, "echo server port")
	flag.StringVar(&o.size, "bytes", "1MiB", "bytes each client sends")
	flag.IntVar(&o.clients, "clients", 1, "number of clients, served one after another")
	flag.BoolVar(&o.nodelay, "nodelay", false, "set TCPNoDelay on client sockets")
	flag.BoolVar(&o.nonblocking, "nonblocking", false, "drive client I/O with Poll in non-blocking mode")
	flag.StringVar(&o.level, "log-level", "info", "log level")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o); err != nil {
		fmt.Fprintln(os.Stderr, "tcpecho:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	level, err := zerolog.ParseLevel(o.level)
	if err != nil {
		return err
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Str("app", "tcpecho").Logger()

	size, err := humanize.ParseBytes(o.size)
	if err != nil {
		return fmt.Errorf("--bytes: %w", err)
	}
	if o.clients < 1 {
		return fmt.Errorf("--clients: %d", o.clients)
	}
	cfg := loopback.DefaultConfig()
	if o.config != "" {
		if cfg, err = loopback.LoadConfig(o.config); err != nil {
			return err
		}
	}
	eng, err := loopback.New(cfg, loopback.WithLogger(log.With().Str("component", "engine").Logger()))
	if err != nil {
		return err
	}
	addr := net.TCPAddrFromAddrPort(netip.AddrPortFrom(eng.Addr(), o.port))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var engine errgroup.Group
	engine.Go(func() error { return eng.Run(ctx) })

	ln, err := tcpsock.New(eng, tcpsock.WithLogger(log.With().Str("component", "server").Logger()))
	if err != nil {
		return err
	}
	if err := ln.Bind(addr); err != nil {
		return err
	}
	if err := ln.Listen(o.clients); err != nil {
		return err
	}

	// The server is still in Accept if a client fails.
	served := make(chan error, 1)
	go func() { served <- serve(ln, o.clients, &log) }()
	err = nil
	for i := range o.clients {
		if err = ctx.Err(); err != nil {
			break
		}
		if err = client(eng, addr, int(size), o, log.With().Int("client", i).Logger()); err != nil {
			break
		}
	}
	if err == nil {
		err = <-served
	}

	cancel()
	if rerr := engine.Wait(); rerr != nil && !errors.Is(rerr, context.Canceled) {
		err = errors.Join(err, rerr)
	}
	st := eng.Stats()
	log.Info().
		Str("segments", humanize.Comma(int64(st.Segments))).
		Uint64("resets", st.Resets).
		Uint64("dropped", st.Dropped).
		Msg("engine")
	return err
}

// serve accepts n connections in turn, echoing each on its own goroutine.
// After every accept a clone takes over listening.
func serve(ln *tcpsock.Socket, n int, log *zerolog.Logger) error {
	var echoes errgroup.Group
	for i := range n {
		remote, err := ln.Accept()
		if err != nil {
			return err
		}
		log.Debug().Stringer("remote", remote).Msg("accepted")
		var next *tcpsock.Socket
		if i+1 < n {
			next = ln.Clone()
		}
		s := ln
		echoes.Go(func() error { return echo(s) })
		ln = next
	}
	return echoes.Wait()
}

func echo(s *tcpsock.Socket) error {
	defer s.Close()
	buf := make([]byte, 32<<10)
	for {
		n, err := s.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if err := writeAll(s, buf[:n]); err != nil {
			return err
		}
	}
}

func client(eng *loopback.Engine, addr *net.TCPAddr, size int, o options, log zerolog.Logger) error {
	s, err := tcpsock.New(eng, tcpsock.WithLogger(log))
	if err != nil {
		return err
	}
	if err := s.SetSockOpt(tcpsock.TCPNoDelay, o.nodelay); err != nil {
		return err
	}
	if err := s.Connect(addr); err != nil {
		return err
	}
	if err := s.IoCtl(tcpsock.NonBlocking, o.nonblocking); err != nil {
		return err
	}

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i*31 + 7)
	}
	start := time.Now()
	var g errgroup.Group
	g.Go(func() error { return writeAll(s, payload) })
	got := make([]byte, size)
	if err := readFull(s, got); err != nil {
		return err
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	if !bytes.Equal(got, payload) {
		return errors.New("echo mismatch")
	}
	// The server closes once it sees end of stream.
	s.Close()

	rate := uint64(float64(size) / elapsed.Seconds())
	log.Info().
		Str("bytes", humanize.IBytes(uint64(size))).
		Dur("elapsed", elapsed).
		Str("rate", humanize.IBytes(rate)+"/s").
		Msg("echoed")
	return nil
}

// writeAll writes p, polling for room when the socket is non-blocking.
func writeAll(s *tcpsock.Socket, p []byte) error {
	for len(p) > 0 {
		n, err := s.Write(p)
		if errors.Is(err, tcpsock.ErrWouldBlock) {
			if _, err := s.Poll(tcpsock.PollOut, -1); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("connection ended during write")
		}
		p = p[n:]
	}
	return nil
}

// readFull fills p, polling for data when the socket is non-blocking.
func readFull(s *tcpsock.Socket, p []byte) error {
	for len(p) > 0 {
		n, err := s.Read(p)
		if errors.Is(err, tcpsock.ErrWouldBlock) {
			if _, err := s.Poll(tcpsock.PollIn, -1); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("connection ended during read")
		}
		p = p[n:]
	}
	return nil
}
