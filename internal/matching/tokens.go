package matching

import (
	"strings"
	"unicode"

	"golang.org/x/net/idna"

	"brandwatch/internal/domain"
)

const minNameToken = 3

// stripAlnum lowercases s and drops everything that is not a letter or digit.
func stripAlnum(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// nameTokens splits a brand name on non-alphanumeric boundaries and drops
// short tokens.
func nameTokens(name string) []string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= minNameToken {
			out = append(out, f)
		}
	}
	return out
}

// candidate is a normalized view of a raw domain shared by the prefilter and
// the scorer so both see exactly the same strings.
type candidate struct {
	host        string // normalized ASCII host
	label       string // registrable label, ASCII
	registrable string
	unicode     string // registrable domain with IDN labels decoded
	ulabel      string // registrable label with IDN decoded
	stripped    string // host minus public suffix, alphanumerics only
}

func newCandidate(raw string) (candidate, bool) {
	host := domain.NormalizeDomain(raw)
	if host == "" || !strings.Contains(host, ".") {
		return candidate{}, false
	}
	label, reg := domain.Registrable(host)
	c := candidate{host: host, label: label, registrable: reg, unicode: reg, ulabel: label}
	if strings.HasPrefix(label, "xn--") {
		if u, err := idna.ToUnicode(label); err == nil {
			c.ulabel = u
			c.unicode = u + strings.TrimPrefix(reg, label)
		}
	}
	suffix := domain.Suffix(host)
	c.stripped = stripAlnum(strings.TrimSuffix(host, "."+suffix))
	return c, true
}
