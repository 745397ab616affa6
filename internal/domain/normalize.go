package domain

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// NormalizeDomain lowercases a domain and strips scheme, credentials, port,
// path, trailing dot and a leading "www." label.
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if d == "" {
		return ""
	}
	if strings.Contains(d, "://") {
		if u, err := url.Parse(d); err == nil {
			d = u.Hostname()
		}
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndex(d, "@"); i >= 0 {
		d = d[i+1:]
	}
	if strings.Contains(d, ":") {
		if host, _, err := net.SplitHostPort(d); err == nil {
			d = host
		}
	}
	d = strings.TrimRight(d, ".")
	d = strings.TrimPrefix(d, "www.")
	return d
}

// Registrable splits a normalized domain into its registrable label (the
// label left of the public suffix) and the registrable domain (label plus
// suffix). "login.acme.co.uk" yields ("acme", "acme.co.uk").
func Registrable(d string) (label, registrable string) {
	suffix, _ := publicsuffix.PublicSuffix(d)
	if suffix == d || suffix == "" {
		return d, d
	}
	rest := strings.TrimSuffix(d, "."+suffix)
	if i := strings.LastIndex(rest, "."); i >= 0 {
		rest = rest[i+1:]
	}
	return rest, rest + "." + suffix
}

// Suffix returns the public suffix of a normalized domain.
func Suffix(d string) string {
	s, _ := publicsuffix.PublicSuffix(d)
	return s
}
