package devserver

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultListen is the address the devserver binds to.
	DefaultListen = ":8088"
	// DefaultStore keeps the room in process.
	DefaultStore = "mem://"
	// DefaultPrefix mounts the queue routes under /api/v1. Configure "/" to
	// mount them at the root.
	DefaultPrefix = "/api/v1"
	// DefaultMaxActive is the number of concurrent booking sessions.
	DefaultMaxActive = 1
	// DefaultTokenTTL bounds how long a token may wait in line.
	DefaultTokenTTL = time.Hour
	// DefaultBookingWindow bounds an admitted booking session.
	DefaultBookingWindow = 10 * time.Minute
	// DefaultHeartbeatTimeout evicts active sessions without heartbeats.
	DefaultHeartbeatTimeout = 30 * time.Second
	// DefaultSweepInterval is how often Start's sweeper evicts stale sessions.
	DefaultSweepInterval = time.Second
	// DefaultSlotEstimate is the wait estimate per position in line.
	DefaultSlotEstimate = 30 * time.Second
)

// Config configures a Server.
type Config struct {
	Listen           string        `yaml:"listen" mapstructure:"listen"`
	Store            string        `yaml:"store" mapstructure:"store"`
	Prefix           string        `yaml:"prefix" mapstructure:"prefix"`
	MaxActive        int           `yaml:"max-active" mapstructure:"max-active"`
	TokenTTL         time.Duration `yaml:"token-ttl" mapstructure:"token-ttl"`
	BookingWindow    time.Duration `yaml:"booking-window" mapstructure:"booking-window"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat-timeout" mapstructure:"heartbeat-timeout"`
	SweepInterval    time.Duration `yaml:"sweep-interval" mapstructure:"sweep-interval"`
	SlotEstimate     time.Duration `yaml:"slot-estimate" mapstructure:"slot-estimate"`
	// Secret signs admission tokens. A random secret is generated when empty.
	Secret string `yaml:"secret,omitempty" mapstructure:"secret"`
}

// Validate applies defaults and rejects inconsistent values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = DefaultPrefix
	}
	c.Prefix = strings.TrimRight(strings.TrimSpace(c.Prefix), "/")
	if c.Prefix != "" && !strings.HasPrefix(c.Prefix, "/") {
		c.Prefix = "/" + c.Prefix
	}
	if c.MaxActive < 0 {
		return errors.New("devserver: max-active must not be negative")
	}
	if c.MaxActive == 0 {
		c.MaxActive = DefaultMaxActive
	}
	for _, d := range []struct {
		name string
		v    *time.Duration
		def  time.Duration
	}{
		{"token-ttl", &c.TokenTTL, DefaultTokenTTL},
		{"booking-window", &c.BookingWindow, DefaultBookingWindow},
		{"heartbeat-timeout", &c.HeartbeatTimeout, DefaultHeartbeatTimeout},
		{"sweep-interval", &c.SweepInterval, DefaultSweepInterval},
		{"slot-estimate", &c.SlotEstimate, DefaultSlotEstimate},
	} {
		if *d.v < 0 {
			return fmt.Errorf("devserver: %s must not be negative", d.name)
		}
		if *d.v == 0 {
			*d.v = d.def
		}
	}
	return nil
}
