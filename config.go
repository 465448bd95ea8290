// Package smtpd implements an embeddable SMTP server core: the network
// listener, the per-connection session state machine, connection
// admission, SASL authentication, and the pluggable hook surfaces
// through which storage, filtering, and observability are wired in by
// the embedder.
package smtpd

import "github.com/postwarden/smtpd/internal/session"

// Config is the immutable, validated configuration of a Server. Build
// it with NewConfigBuilder, never directly.
type Config = session.Config

// ConfigBuilder accumulates settings before a single validation pass in
// Build.
type ConfigBuilder = session.ConfigBuilder

// NewConfigBuilder returns a builder pre-populated with sensible
// defaults for a submission-friendly server.
func NewConfigBuilder() *ConfigBuilder {
	return session.NewConfigBuilder()
}
