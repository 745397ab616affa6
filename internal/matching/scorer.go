package matching

import (
	"math"
	"strings"
	"time"

	"brandwatch/internal/domain"
)

// Scorer decides whether a candidate domain impersonates a brand.
type Scorer struct {
	params Params
	now    func() time.Time
}

func NewScorer(params Params) *Scorer {
	return &Scorer{params: params.withDefaults(), now: time.Now}
}

func (s *Scorer) Params() Params { return s.params }

// Score evaluates raw against brand. Rules are tried in priority order and
// the first that applies wins; ok is false for the common no-match case.
func (s *Scorer) Score(raw string, brand domain.Brand) (domain.Match, bool) {
	c, ok := newCandidate(raw)
	if !ok {
		return domain.Match{}, false
	}
	return s.score(c, brand)
}

// ScoreIndexed runs the prefilter and scores raw against every candidate
// brand in the index.
func (s *Scorer) ScoreIndexed(raw string, idx *Index) []domain.Match {
	c, ok := newCandidate(raw)
	if !ok || idx == nil {
		return nil
	}
	var out []domain.Match
	for _, id := range idx.candidates(c) {
		b, ok := idx.Brand(id)
		if !ok {
			continue
		}
		if m, ok := s.score(c, b); ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *Scorer) score(c candidate, brand domain.Brand) (domain.Match, bool) {
	canonical := domain.NormalizeDomain(brand.Domain)
	if canonical == "" {
		return domain.Match{}, false
	}
	bLabel, bReg := domain.Registrable(canonical)
	// the brand's own domain and its subdomains never match
	if c.registrable == bReg {
		return domain.Match{}, false
	}
	m := domain.Match{BrandID: brand.ID, Domain: c.host, DiscoveredAt: s.now().UTC()}

	key := stripAlnum(c.label)
	if key != "" && (key == stripAlnum(brand.Name) || key == stripAlnum(bLabel)) {
		m.Type, m.Score = domain.MatchExact, s.params.ExactScore
		return m, true
	}

	if sub, units, ok := homoglyphSubstitutions(c.unicode, bReg); ok {
		ratio := float64(sub) / float64(units)
		m.Type = domain.MatchHomoglyph
		m.Score = clampScore(s.params.HomoglyphMax - int(math.Round(float64(s.params.HomoglyphSpread)*ratio)))
		return m, true
	}

	if d := editDistance(c.label, bLabel); d > 0 && d <= s.params.TyposquatMaxDistance {
		maxLen := max(len([]rune(c.label)), len([]rune(bLabel)))
		score := int(math.Round(100 * (1 - float64(d)/float64(maxLen))))
		if score > s.params.TyposquatCap {
			score = s.params.TyposquatCap
		}
		if score > 0 {
			m.Type, m.Score = domain.MatchTyposquat, clampScore(score)
			return m, true
		}
	}

	if kw, ok := s.keywordCombo(c.stripped, brand.Keywords); ok {
		m.Type, m.Score, m.MatchedKeyword = domain.MatchKeywordCombo, s.params.KeywordComboScore, kw
		return m, true
	}
	return domain.Match{}, false
}

// keywordCombo finds the longest brand keyword that appears in stripped
// alongside a high-risk term outside the keyword itself.
func (s *Scorer) keywordCombo(stripped string, keywords []string) (string, bool) {
	best := ""
	for _, raw := range keywords {
		kw := stripAlnum(raw)
		if kw == "" || !strings.Contains(stripped, kw) {
			continue
		}
		rest := strings.Replace(stripped, kw, " ", 1)
		hit := false
		for _, term := range s.params.RiskTerms {
			if term != "" && strings.Contains(rest, term) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		if len(kw) > len(best) || (len(kw) == len(best) && kw < best) {
			best = kw
		}
	}
	return best, best != ""
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
