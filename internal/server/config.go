package server

import "time"

// Config tunes the relay. The zero value is not useful; start from
// DefaultConfig.
type Config struct {
	// Tick is the broadcast cadence. Handlers also wait one Tick between
	// reads, which paces the PING/PONG keepalive cycle.
	Tick time.Duration
	// HistoryReplay is how many recent chat events a joining client receives.
	HistoryReplay int
	// HistoryLimit caps the stored transcript; 0 keeps everything.
	HistoryLimit int
	// IdleTimeout disconnects a peer that sends nothing for this long;
	// 0 disables the check.
	IdleTimeout time.Duration
	// WriteTimeout bounds every write to a client; 0 disables it.
	WriteTimeout time.Duration
}

// DefaultTick is 1/30 of a second.
const DefaultTick = time.Second / 30

func DefaultConfig() Config {
	return Config{
		Tick:          DefaultTick,
		HistoryReplay: 10,
		HistoryLimit:  1000,
		IdleTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

func (c Config) normalize() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.HistoryReplay < 0 {
		c.HistoryReplay = 0
	}
	if c.HistoryLimit < 0 {
		c.HistoryLimit = 0
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.WriteTimeout < 0 {
		c.WriteTimeout = 0
	}
	return c
}
