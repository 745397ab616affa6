package matching

import (
	"strings"

	"brandwatch/internal/domain"
)

var swapTLDs = []string{"com", "net", "org", "co", "io", "info", "biz", "app", "online", "site", "shop", "xyz"}

// lookalikes is the reverse of the confusable table, used to generate
// homoglyph variations.
var lookalikes = map[rune][]string{
	'o': {"0"},
	'l': {"1", "i"},
	'i': {"1", "l"},
	'm': {"rn"},
	'w': {"vv"},
	'd': {"cl"},
	'e': {"3"},
	'a': {"4"},
	's': {"5"},
}

// Variations generates lookalike registrations of a canonical domain:
// TLD swaps, omissions, repetitions, transpositions, homoglyph
// replacements, hyphenations and keyword plus risk-term combinations. The
// order is deterministic and the canonical domain is never included. A
// limit of zero or less means no limit.
func Variations(canonical string, keywords, riskTerms []string, limit int) []string {
	canonical = domain.NormalizeDomain(canonical)
	label, reg := domain.Registrable(canonical)
	if label == "" || label == reg {
		return nil
	}
	suffix := strings.TrimPrefix(reg, label+".")

	seen := map[string]struct{}{reg: {}}
	var out []string
	add := func(l, tld string) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		if l == "" || strings.HasPrefix(l, "-") || strings.HasSuffix(l, "-") {
			return true
		}
		d := l + "." + tld
		if _, ok := seen[d]; ok {
			return true
		}
		seen[d] = struct{}{}
		out = append(out, d)
		return true
	}

	for _, tld := range swapTLDs {
		if tld != suffix && !add(label, tld) {
			return out
		}
	}
	rs := []rune(label)
	for i := range rs {
		if !add(string(rs[:i])+string(rs[i+1:]), suffix) {
			return out
		}
	}
	for i := range rs {
		if !add(string(rs[:i+1])+string(rs[i:]), suffix) {
			return out
		}
	}
	for i := 0; i+1 < len(rs); i++ {
		if rs[i] == rs[i+1] {
			continue
		}
		t := append([]rune(nil), rs...)
		t[i], t[i+1] = t[i+1], t[i]
		if !add(string(t), suffix) {
			return out
		}
	}
	for i, r := range rs {
		for _, alt := range lookalikes[r] {
			if !add(string(rs[:i])+alt+string(rs[i+1:]), suffix) {
				return out
			}
		}
	}
	for i := 1; i < len(rs); i++ {
		if !add(string(rs[:i])+"-"+string(rs[i:]), suffix) {
			return out
		}
	}
	for _, raw := range keywords {
		kw := stripAlnum(raw)
		if kw == "" {
			continue
		}
		for _, term := range riskTerms {
			if !add(kw+"-"+term, suffix) || !add(term+"-"+kw, suffix) {
				return out
			}
		}
	}
	return out
}
