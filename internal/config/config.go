// Package config assembles the relay configuration from defaults, a .env
// file, the environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"chatrelay/internal/server"
)

// Config is the complete server configuration.
type Config struct {
	// Addr is the TCP host:port for the line protocol.
	Addr string
	// WSAddr is the host:port for the WebSocket gateway; empty disables it.
	WSAddr string
	// TickRate is the number of broadcast ticks per second.
	TickRate int
	// HistoryReplay is how many recent chats a joining client receives.
	HistoryReplay int
	// HistoryLimit caps the transcript kept in memory; 0 is unbounded.
	HistoryLimit int
	// IdleTimeout drops silent peers; 0 disables it.
	IdleTimeout time.Duration
	// WriteTimeout bounds each write to a client; 0 disables it.
	WriteTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Environment variables read by Load.
const (
	EnvAddr          = "CHAT_ADDR"
	EnvWSAddr        = "CHAT_WS_ADDR"
	EnvTickRate      = "CHAT_TICK_RATE"
	EnvHistoryReplay = "CHAT_HISTORY_REPLAY"
	EnvHistoryLimit  = "CHAT_HISTORY_LIMIT"
	EnvIdleTimeout   = "CHAT_IDLE_TIMEOUT"
	EnvWriteTimeout  = "CHAT_WRITE_TIMEOUT"
	EnvLogLevel      = "LOG_LEVEL"
	EnvLogFormat     = "LOG_FORMAT"
)

func Default() Config {
	return Config{
		Addr:          "localhost:5050",
		TickRate:      30,
		HistoryReplay: 10,
		HistoryLimit:  1000,
		IdleTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// Load reads .env (if present) into the environment, applies the
// environment over the defaults, then parses args (without the program
// name) over the result.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: .env: %w", err)
	}

	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.parseFlags(args, os.Stderr); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str(EnvAddr, &c.Addr)
	str(EnvWSAddr, &c.WSAddr)
	str(EnvLogLevel, &c.LogLevel)
	str(EnvLogFormat, &c.LogFormat)
	return errors.Join(
		integer(EnvTickRate, &c.TickRate),
		integer(EnvHistoryReplay, &c.HistoryReplay),
		integer(EnvHistoryLimit, &c.HistoryLimit),
		duration(EnvIdleTimeout, &c.IdleTimeout),
		duration(EnvWriteTimeout, &c.WriteTimeout),
	)
}

func (c *Config) parseFlags(args []string, out io.Writer) error {
	set := flag.NewFlagSet("chatrelay", flag.ContinueOnError)
	set.SetOutput(out)

	set.StringVar(&c.Addr, "addr", c.Addr, "TCP address to listen on")
	set.StringVar(&c.WSAddr, "ws-addr", c.WSAddr, "HTTP address for the WebSocket gateway (empty disables it)")
	set.IntVar(&c.TickRate, "tick-rate", c.TickRate, "broadcast ticks per second")
	set.IntVar(&c.HistoryReplay, "history-replay", c.HistoryReplay, "recent chat messages sent to a joining client")
	set.IntVar(&c.HistoryLimit, "history-limit", c.HistoryLimit, "chat messages kept in memory (0 = unbounded)")
	set.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "disconnect peers silent for this long (0 = never)")
	set.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "deadline for each write to a client (0 = none)")
	set.StringVar(&c.LogLevel, "log-level", c.LogLevel, "trace, debug, info, warn or error")
	set.StringVar(&c.LogFormat, "log-format", c.LogFormat, "console or json")

	if err := set.Parse(args); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if set.NArg() > 0 {
		return fmt.Errorf("config: unexpected arguments %v", set.Args())
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("config: addr must not be empty"))
	}
	if c.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("config: tick rate must be positive (%d)", c.TickRate))
	}
	if c.HistoryReplay < 0 {
		errs = append(errs, fmt.Errorf("config: history replay must not be negative (%d)", c.HistoryReplay))
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("config: history limit must not be negative (%d)", c.HistoryLimit))
	}
	if c.HistoryLimit > 0 && c.HistoryReplay > c.HistoryLimit {
		errs = append(errs, fmt.Errorf("config: history replay (%d) exceeds history limit (%d)", c.HistoryReplay, c.HistoryLimit))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("config: idle timeout must not be negative (%v)", c.IdleTimeout))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("config: write timeout must not be negative (%v)", c.WriteTimeout))
	}
	return errors.Join(errs...)
}

// Tick is the broadcast interval derived from TickRate.
func (c Config) Tick() time.Duration {
	if c.TickRate <= 0 {
		return server.DefaultTick
	}
	return time.Second / time.Duration(c.TickRate)
}

// Server returns the relay settings.
func (c Config) Server() server.Config {
	return server.Config{
		Tick:          c.Tick(),
		HistoryReplay: c.HistoryReplay,
		HistoryLimit:  c.HistoryLimit,
		IdleTimeout:   c.IdleTimeout,
		WriteTimeout:  c.WriteTimeout,
	}
}
