package session

import (
	"math/rand"
	"time"
)

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Delay returns the reconnect delay for attempt n (1-based): the
// initial delay grown geometrically, clamped at MaxDelay, optionally
// jittered into the 0.5..1.5 band.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	d := float64(b.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			d = float64(b.MaxDelay)
			break
		}
	}
	if b.Jitter && rng != nil {
		d *= 0.5 + rng.Float64()
	}
	return time.Duration(d)
}

// Config defines session reliability tunables.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	// HeartbeatMissLimit consecutive silent intervals mark the
	// connection dead and force a reconnect.
	HeartbeatMissLimit int
	// StableAfter is how long a connection must stay authenticated
	// before the reconnect attempt counter resets.
	StableAfter time.Duration
	// MaxDisconnect bounds how long the runner may stay out of the
	// Authenticated state before in-flight work is failed.
	MaxDisconnect time.Duration
	Backoff       BackoffConfig
}

// DefaultConfig returns the control-plane contract defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     5 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       10 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		HeartbeatMissLimit: 3,
		StableAfter:        30 * time.Second,
		MaxDisconnect:      5 * time.Minute,
		Backoff: BackoffConfig{
			InitialDelay: 1 * time.Second,
			Multiplier:   2.0,
			MaxDelay:     60 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatMissLimit <= 0 {
		c.HeartbeatMissLimit = def.HeartbeatMissLimit
	}
	if c.StableAfter <= 0 {
		c.StableAfter = def.StableAfter
	}
	if c.MaxDisconnect <= 0 {
		c.MaxDisconnect = def.MaxDisconnect
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	return c
}

// ReadTimeout derives the dead-connection read deadline from the
// heartbeat interval and miss limit.
func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.HeartbeatMissLimit) * c.HeartbeatInterval
}
