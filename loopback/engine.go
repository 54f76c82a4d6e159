// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package loopback is an in-process TCP engine implementing
// [code.hybscloud.com/tcpsock/engine.Facade].
//
// Every connection of an Engine shares one ordered, lossless link, so two
// connections on the same Engine talk TCP to each other: handshake, flow
// control against the advertised window, delayed ACKs, Nagle, keep-alive
// probes, orderly and simultaneous close, and resets. There is no
// retransmission and no congestion control.
//
// The engine only advances when it is entered through the Facade or when
// [Engine.Poll] is called. Timers (delayed ACK, TimeWait, keep-alive) need
// a driver; [Engine.Run] polls continuously with adaptive backoff.
package loopback

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/tcpsock/engine"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/soypat/seqs"
)

// maxRounds bounds the transmit/receive rounds of one poll.
const maxRounds = 64

// Stats counts engine activity.
type Stats struct {
	Segments   uint64
	Resets     uint64
	KeepAlives uint64
	Dropped    uint64
	Conns      int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// Engine is a loopback TCP engine. It is safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	cfg   Config
	slots []slot
	free  []uint32
	link  link
	prng  uint32
	stats Stats
	log   zerolog.Logger
}

type slot struct {
	gen  uint32
	used bool
	c    conn
}

var _ engine.Facade = (*Engine)(nil)

// New creates an engine from cfg.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "loopback")
	}
	e := &Engine{
		cfg:   cfg,
		slots: make([]slot, cfg.MaxConns),
		free:  make([]uint32, 0, cfg.MaxConns),
		prng:  cfg.Seed,
		log:   zerolog.Nop(),
	}
	if e.prng == 0 {
		e.prng = 1
	}
	for i := cfg.MaxConns - 1; i >= 0; i-- {
		e.free = append(e.free, uint32(i))
	}
	e.link.init(cfg.LinkQueue)
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Addr returns the address the engine answers on.
func (e *Engine) Addr() netip.Addr { return e.cfg.Addr }

func (e *Engine) Create() (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.free)
	if n == 0 {
		return 0, errors.Wrapf(engine.ErrExhausted, "%d connections in use", len(e.slots))
	}
	idx := e.free[n-1]
	e.free = e.free[:n-1]
	s := &e.slots[idx]
	s.gen++
	s.used = true
	s.c.reset(e)
	e.stats.Conns++
	return engine.Handle(uint64(s.gen)<<32 | uint64(idx)), nil
}

func (e *Engine) Destroy(h engine.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.lookup(h)
	c := &s.c
	if c.synchronized() {
		e.transmit(segment{
			src:   c.local,
			dst:   c.remote,
			seq:   c.snd.NXT,
			flags: seqs.FlagRST,
		})
		e.stats.Resets++
	}
	c.setState(seqs.StateClosed)
	s.used = false
	e.free = append(e.free, uint32(h))
	e.stats.Conns--
	e.pollLocked(e.now())
}

func (e *Engine) With(h engine.Handle, fn func(c engine.Conn)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.lookup(h).c)
	e.pollLocked(e.now())
}

func (e *Engine) WithContext(h engine.Handle, fn func(c engine.Conn, cx engine.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.lookup(h).c, addressing{addr: e.cfg.Addr})
	e.pollLocked(e.now())
}

// Poll advances queues and timers once. It reports whether anything
// happened.
func (e *Engine) Poll() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pollLocked(e.now())
}

// Run polls until ctx is done, backing off while the engine is idle.
func (e *Engine) Run(ctx context.Context) error {
	var bo iox.Backoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if e.Poll() {
			bo.Reset()
		} else {
			bo.Wait()
		}
	}
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) lookup(h engine.Handle) *slot {
	idx := uint32(h)
	gen := uint32(h >> 32)
	if int(idx) >= len(e.slots) {
		panic("loopback: invalid handle")
	}
	s := &e.slots[idx]
	if !s.used || s.gen != gen {
		panic("loopback: invalid handle")
	}
	return s
}

func (e *Engine) now() time.Time {
	if e.cfg.Now != nil {
		return e.cfg.Now()
	}
	return time.Now()
}

// prand32 generates initial sequence numbers with xorshift32.
func (e *Engine) prand32() uint32 {
	seed := e.prng
	seed ^= seed << 13
	seed ^= seed >> 17
	seed ^= seed << 5
	e.prng = seed
	return seed
}

// addressing is the engine.Context of a loopback engine: the only
// reachable address is the engine's own.
type addressing struct {
	addr netip.Addr
}

func (a addressing) LocalAddr(remote netip.Addr) (netip.Addr, bool) {
	if remote != a.addr {
		return netip.Addr{}, false
	}
	return a.addr, true
}
