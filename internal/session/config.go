package session

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/postwarden/smtpd/internal/auth"
	"github.com/postwarden/smtpd/internal/tlsconst"
)

// Config is the immutable, validated configuration of a Server. Build
// it with NewConfigBuilder, never directly.
type Config struct {
	// Identity.
	ServerName string // shown in the banner and EHLO/HELO reply
	Banner     string // greeting text after the 220 code

	// Limits.
	MaxMessageBytes      int64
	MaxRecipients        int
	MaxConnections       int // global; 0 = unlimited
	MaxConnectionsPerIP  int // 0 = unlimited
	MaxRetryCount        int
	MaxCommandLineLength int

	// Timeouts.
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	DataTimeout    time.Duration
	ConnectionTimeout time.Duration

	// Capabilities.
	EnablePipelining bool
	Enable8BitMIME   bool
	EnableSMTPUTF8   bool

	// TLS.
	TLSConfig               *tls.Config
	RequireSecureConnection bool

	// Auth.
	EnableAuth             bool
	RequireAuthentication  bool
	AllowPlaintextAuth     bool
	Mechanisms             *auth.Registry
	AuthenticationCallback AuthenticationCallback

	// Buffers.
	ReadBufferSize  int
	WriteBufferSize int

	// HAProxy PROXY protocol support.
	HAProxyEnabled bool
}

// ConfigBuilder accumulates settings before a single validation pass in
// Build, in the pattern of a fluent builder whose validation is one
// total function rather than scattered setter-time checks.
type ConfigBuilder struct {
	c Config
}

// NewConfigBuilder returns a builder pre-populated with sensible
// defaults, mirroring a typical submission-friendly configuration.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{c: Config{
		ServerName:           "localhost",
		Banner:               "ESMTP ready",
		MaxMessageBytes:      10 * 1024 * 1024,
		MaxRecipients:        100,
		MaxConnectionsPerIP:  10,
		MaxRetryCount:        3,
		MaxCommandLineLength: 1000,
		IdleTimeout:          5 * time.Minute,
		CommandTimeout:       5 * time.Minute,
		DataTimeout:          10 * time.Minute,
		ConnectionTimeout:    30 * time.Minute,
		EnablePipelining:     true,
		Enable8BitMIME:       true,
		EnableSMTPUTF8:       true,
		ReadBufferSize:       4096,
		WriteBufferSize:      4096,
	}}
}

func (b *ConfigBuilder) ServerName(name string) *ConfigBuilder { b.c.ServerName = name; return b }
func (b *ConfigBuilder) Banner(s string) *ConfigBuilder        { b.c.Banner = s; return b }

func (b *ConfigBuilder) MaxMessageBytes(n int64) *ConfigBuilder { b.c.MaxMessageBytes = n; return b }
func (b *ConfigBuilder) MaxRecipients(n int) *ConfigBuilder     { b.c.MaxRecipients = n; return b }
func (b *ConfigBuilder) MaxConnections(n int) *ConfigBuilder    { b.c.MaxConnections = n; return b }
func (b *ConfigBuilder) MaxConnectionsPerIP(n int) *ConfigBuilder {
	b.c.MaxConnectionsPerIP = n
	return b
}
func (b *ConfigBuilder) MaxRetryCount(n int) *ConfigBuilder { b.c.MaxRetryCount = n; return b }
func (b *ConfigBuilder) MaxCommandLineLength(n int) *ConfigBuilder {
	b.c.MaxCommandLineLength = n
	return b
}

func (b *ConfigBuilder) IdleTimeout(d time.Duration) *ConfigBuilder    { b.c.IdleTimeout = d; return b }
func (b *ConfigBuilder) CommandTimeout(d time.Duration) *ConfigBuilder { b.c.CommandTimeout = d; return b }
func (b *ConfigBuilder) DataTimeout(d time.Duration) *ConfigBuilder    { b.c.DataTimeout = d; return b }
func (b *ConfigBuilder) ConnectionTimeout(d time.Duration) *ConfigBuilder {
	b.c.ConnectionTimeout = d
	return b
}

func (b *ConfigBuilder) EnablePipelining(v bool) *ConfigBuilder { b.c.EnablePipelining = v; return b }
func (b *ConfigBuilder) Enable8BitMIME(v bool) *ConfigBuilder   { b.c.Enable8BitMIME = v; return b }
func (b *ConfigBuilder) EnableSMTPUTF8(v bool) *ConfigBuilder   { b.c.EnableSMTPUTF8 = v; return b }

func (b *ConfigBuilder) TLSConfig(cfg *tls.Config) *ConfigBuilder { b.c.TLSConfig = cfg; return b }
func (b *ConfigBuilder) RequireSecureConnection(v bool) *ConfigBuilder {
	b.c.RequireSecureConnection = v
	return b
}

func (b *ConfigBuilder) EnableAuth(v bool) *ConfigBuilder { b.c.EnableAuth = v; return b }
func (b *ConfigBuilder) RequireAuthentication(v bool) *ConfigBuilder {
	b.c.RequireAuthentication = v
	return b
}
func (b *ConfigBuilder) AllowPlaintextAuth(v bool) *ConfigBuilder {
	b.c.AllowPlaintextAuth = v
	return b
}
func (b *ConfigBuilder) Mechanisms(r *auth.Registry) *ConfigBuilder { b.c.Mechanisms = r; return b }
func (b *ConfigBuilder) AuthenticationCallback(cb AuthenticationCallback) *ConfigBuilder {
	b.c.AuthenticationCallback = cb
	return b
}

func (b *ConfigBuilder) ReadBufferSize(n int) *ConfigBuilder  { b.c.ReadBufferSize = n; return b }
func (b *ConfigBuilder) WriteBufferSize(n int) *ConfigBuilder { b.c.WriteBufferSize = n; return b }
func (b *ConfigBuilder) HAProxyEnabled(v bool) *ConfigBuilder { b.c.HAProxyEnabled = v; return b }

// Build validates the accumulated settings and returns an immutable
// Config, or an error describing the first invariant violated. This is
// the single total validation function; there is no partial, setter-time
// validation.
func (b *ConfigBuilder) Build() (*Config, error) {
	c := b.c

	if c.RequireSecureConnection && c.TLSConfig == nil {
		return nil, fmt.Errorf("smtpd: RequireSecureConnection requires a TLSConfig")
	}
	if c.RequireAuthentication && !c.RequireSecureConnection && !c.AllowPlaintextAuth {
		return nil, fmt.Errorf("smtpd: RequireAuthentication without RequireSecureConnection requires AllowPlaintextAuth")
	}
	if c.MaxRetryCount < 0 {
		return nil, fmt.Errorf("smtpd: MaxRetryCount must be >= 0")
	}

	positive := map[string]int64{
		"MaxMessageBytes":      c.MaxMessageBytes,
		"MaxRecipients":        int64(c.MaxRecipients),
		"MaxCommandLineLength": int64(c.MaxCommandLineLength),
		"ReadBufferSize":       int64(c.ReadBufferSize),
		"WriteBufferSize":      int64(c.WriteBufferSize),
	}
	for name, v := range positive {
		if v <= 0 {
			return nil, fmt.Errorf("smtpd: %s must be positive", name)
		}
	}
	durations := map[string]time.Duration{
		"IdleTimeout":       c.IdleTimeout,
		"CommandTimeout":    c.CommandTimeout,
		"DataTimeout":       c.DataTimeout,
		"ConnectionTimeout": c.ConnectionTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return nil, fmt.Errorf("smtpd: %s must be positive", name)
		}
	}

	if c.EnableAuth && c.Mechanisms == nil {
		c.Mechanisms = auth.NewRegistry()
	}

	if c.TLSConfig != nil && c.TLSConfig.MinVersion == 0 {
		c.TLSConfig = c.TLSConfig.Clone()
		c.TLSConfig.MinVersion = tlsconst.MinimumVersion
	}

	return &c, nil
}
