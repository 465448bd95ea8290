// Package tlsconst contains TLS constants for human consumption, used
// when annotating sessions and Received headers with the negotiated
// protocol version and cipher suite.
package tlsconst

import (
	"crypto/tls"
	"fmt"
)

var versionName = map[uint16]string{
	0x0300:           "SSL-3.0",
	tls.VersionTLS10: "TLS-1.0",
	tls.VersionTLS11: "TLS-1.1",
	tls.VersionTLS12: "TLS-1.2",
	tls.VersionTLS13: "TLS-1.3",
}

// VersionName returns a human-readable TLS version name.
func VersionName(v uint16) string {
	name, ok := versionName[v]
	if !ok {
		return fmt.Sprintf("TLS-%#04x", v)
	}
	return name
}

// CipherSuiteName returns a human-readable TLS cipher suite name, using
// the standard library's own registry (tls.CipherSuiteName), which
// covers every suite Go itself can negotiate.
func CipherSuiteName(s uint16) string {
	return tls.CipherSuiteName(s)
}

// MinimumVersion is the lowest TLS version this server will negotiate
// unless the configured tls.Config sets its own MinVersion; by default
// only TLS 1.2 and 1.3 are supported.
const MinimumVersion = tls.VersionTLS12
