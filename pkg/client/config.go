package client

import (
	"errors"
	"time"
)

// Config tunes the client transport. Zero values take the defaults below.
type Config struct {
	URL                  string        `yaml:"url"`
	Token                string        `yaml:"token"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`      // dial plus auth_success wait, default 5s
	CallTimeout          time.Duration `yaml:"call_timeout"`           // per-call reply timeout, default 5s
	WriteTimeout         time.Duration `yaml:"write_timeout"`          // default 10s
	IdleTimeout          time.Duration `yaml:"idle_timeout"`           // max silence from the hub, default 90s
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // default 8
	InitialBackoff       time.Duration `yaml:"initial_backoff"`        // default 500ms
	MaxBackoff           time.Duration `yaml:"max_backoff"`            // default 30s
	BackoffMultiplier    float64       `yaml:"backoff_multiplier"`     // default 2
	MaxQueue             int           `yaml:"max_queue"`              // outbound entries held while not ready, default 256
}

// SetDefaults fills zero values
func (c *Config) SetDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 90 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 8
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 256
	}
}

func (c *Config) validate() error {
	if c.URL == "" {
		return errors.New("client url is required")
	}
	if c.Token == "" {
		return errors.New("client token is required")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("max_backoff must not be smaller than initial_backoff")
	}
	return nil
}
