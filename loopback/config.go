// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback

import (
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Config sizes a loopback engine.
type Config struct {
	// Addr is the only address the engine answers on.
	Addr netip.Addr
	// MaxConns bounds the connection table.
	MaxConns int
	// RxBuffer and TxBuffer are per-connection ring sizes in bytes.
	RxBuffer int
	TxBuffer int
	// MSS caps the payload of one segment.
	MSS int
	// LinkQueue is the capacity of the segment link. Must be a power of two.
	LinkQueue int
	// TimeWait is how long a connection lingers in TimeWait.
	TimeWait time.Duration
	// AckDelay is the initial delayed-ACK timeout of new connections.
	AckDelay time.Duration
	// Seed initializes the initial sequence number generator.
	Seed uint32
	// Now is the engine clock. Nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns a configuration suitable for tests and the CLI.
func DefaultConfig() Config {
	return Config{
		Addr:      netip.AddrFrom4([4]byte{127, 0, 0, 1}),
		MaxConns:  64,
		RxBuffer:  64 << 10,
		TxBuffer:  64 << 10,
		MSS:       1460,
		LinkQueue: 256,
		TimeWait:  100 * time.Millisecond,
		AckDelay:  10 * time.Millisecond,
		Seed:      0x2545f491,
	}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var err error
	if !c.Addr.IsValid() {
		err = multierr.Append(err, errors.New("addr: not set"))
	}
	if c.MaxConns <= 0 {
		err = multierr.Append(err, errors.Errorf("max_conns: %d is not positive", c.MaxConns))
	}
	if c.RxBuffer <= 0 {
		err = multierr.Append(err, errors.Errorf("rx_buffer: %d is not positive", c.RxBuffer))
	}
	if c.TxBuffer <= 0 {
		err = multierr.Append(err, errors.Errorf("tx_buffer: %d is not positive", c.TxBuffer))
	}
	if c.MSS <= 0 {
		err = multierr.Append(err, errors.Errorf("mss: %d is not positive", c.MSS))
	}
	if c.LinkQueue < 2 || c.LinkQueue&(c.LinkQueue-1) != 0 {
		err = multierr.Append(err, errors.Errorf("link_queue: %d is not a power of two", c.LinkQueue))
	}
	if c.TimeWait < 0 {
		err = multierr.Append(err, errors.Errorf("time_wait: %v is negative", c.TimeWait))
	}
	if c.AckDelay < 0 {
		err = multierr.Append(err, errors.Errorf("ack_delay: %v is negative", c.AckDelay))
	}
	return err
}

// Duration is a time.Duration that decodes from strings such as "10ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// fileConfig is the TOML key mapping of Config.
type fileConfig struct {
	Addr      string   `toml:"addr"`
	MaxConns  int      `toml:"max_conns"`
	RxBuffer  int      `toml:"rx_buffer"`
	TxBuffer  int      `toml:"tx_buffer"`
	MSS       int      `toml:"mss"`
	LinkQueue int      `toml:"link_queue"`
	TimeWait  Duration `toml:"time_wait"`
	AckDelay  Duration `toml:"ack_delay"`
	Seed      uint32   `toml:"seed"`
}

// LoadConfig reads a TOML file and overlays the keys it defines on
// DefaultConfig. The result is validated.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "load loopback config %s", path)
	}
	return overlay(meta, raw)
}

// ParseConfig is LoadConfig for TOML held in memory.
func ParseConfig(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "parse loopback config")
	}
	return overlay(meta, raw)
}

func overlay(meta toml.MetaData, raw fileConfig) (Config, error) {
	cfg := DefaultConfig()
	if meta.IsDefined("addr") {
		a, err := netip.ParseAddr(strings.TrimSpace(raw.Addr))
		if err != nil {
			return Config{}, errors.Wrap(err, "addr")
		}
		cfg.Addr = a
	}
	if meta.IsDefined("max_conns") {
		cfg.MaxConns = raw.MaxConns
	}
	if meta.IsDefined("rx_buffer") {
		cfg.RxBuffer = raw.RxBuffer
	}
	if meta.IsDefined("tx_buffer") {
		cfg.TxBuffer = raw.TxBuffer
	}
	if meta.IsDefined("mss") {
		cfg.MSS = raw.MSS
	}
	if meta.IsDefined("link_queue") {
		cfg.LinkQueue = raw.LinkQueue
	}
	if meta.IsDefined("time_wait") {
		cfg.TimeWait = time.Duration(raw.TimeWait)
	}
	if meta.IsDefined("ack_delay") {
		cfg.AckDelay = time.Duration(raw.AckDelay)
	}
	if meta.IsDefined("seed") {
		cfg.Seed = raw.Seed
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("loopback config: unknown key %q", undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "loopback config")
	}
	return cfg, nil
}
