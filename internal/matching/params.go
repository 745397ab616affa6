// Package matching turns candidate domains into scored, deduplicated brand
// matches: a per-cycle term index, a cheap prefilter over it, the scorer and
// the batch deduplicator.
package matching

// Params are the tunable scoring constants. They are product decisions, so
// they are loaded from configuration rather than fixed here.
type Params struct {
	ExactScore           int      `yaml:"exact_score"`
	HomoglyphMax         int      `yaml:"homoglyph_max"`
	HomoglyphSpread      int      `yaml:"homoglyph_spread"`
	TyposquatMaxDistance int      `yaml:"typosquat_max_distance"`
	TyposquatCap         int      `yaml:"typosquat_cap"`
	KeywordComboScore    int      `yaml:"keyword_combo_score"`
	RiskTerms            []string `yaml:"risk_terms"`
}

func DefaultParams() Params {
	return Params{
		ExactScore:           90,
		HomoglyphMax:         88,
		HomoglyphSpread:      30,
		TyposquatMaxDistance: 2,
		TyposquatCap:         85,
		KeywordComboScore:    60,
		RiskTerms:            []string{"login", "secure", "support", "verify", "account"},
	}
}

// withDefaults substitutes the defaults for an unset Params. Explicit
// values, zero included, are kept as given.
func (p Params) withDefaults() Params {
	if p.ExactScore == 0 && p.HomoglyphMax == 0 && p.HomoglyphSpread == 0 &&
		p.TyposquatMaxDistance == 0 && p.TyposquatCap == 0 && p.KeywordComboScore == 0 &&
		len(p.RiskTerms) == 0 {
		return DefaultParams()
	}
	return p
}
