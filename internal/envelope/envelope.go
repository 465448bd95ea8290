// Package envelope implements helpers for handling the sender/recipient
// addresses of a mail transaction, and for synthesizing and reading the
// headers of a finalized message.
package envelope

import (
	"fmt"
	"strings"
)

// Split a user@domain address into user and domain.
func Split(addr string) (string, string) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 {
		return addr, ""
	}
	return ps[0], ps[1]
}

// UserOf user@domain returns user.
func UserOf(addr string) string {
	user, _ := Split(addr)
	return user
}

// DomainOf user@domain returns domain.
func DomainOf(addr string) string {
	_, domain := Split(addr)
	return domain
}

// AddHeader prepends a MIME header to the raw message body.
func AddHeader(data []byte, k, v string) []byte {
	if len(v) > 0 {
		if v[len(v)-1] == '\n' {
			v = v[:len(v)-1]
		}
		// Indent embedded newlines so the header stays well-formed.
		v = strings.Replace(v, "\n", "\n\t", -1)
	}

	header := []byte(fmt.Sprintf("%s: %s\r\n", k, v))
	return append(header, data...)
}
