// Package normalize contains functions to normalize usernames, domains,
// and addresses for comparison and storage.
package normalize

import (
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/postwarden/smtpd/internal/envelope"
)

// User normalizes a username using PRECIS UsernameCaseMapped.
// On error, it also returns the original username, to simplify callers
// that want to fall back to the raw value.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}
	return norm, nil
}

// Domain normalizes a domain name to its IDNA ASCII ("punycode") form,
// so that comparisons against configured domains are encoding-agnostic.
// On error, it also returns the original domain.
func Domain(domain string) (string, error) {
	norm, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain, err
	}
	return norm, nil
}

// DomainToUnicode converts a domain to its Unicode form, for display
// purposes (e.g. in log lines and trace events). On error, it returns
// the original domain.
func DomainToUnicode(domain string) (string, error) {
	norm, err := idna.Lookup.ToUnicode(domain)
	if err != nil {
		return domain, err
	}
	return norm, nil
}

// Addr normalizes an email address by normalizing its user part with
// User, and leaving the domain unchanged (domain comparisons are done
// separately, via Domain, since callers often need to compare the
// domain against a configured set before deciding how to treat it).
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}
