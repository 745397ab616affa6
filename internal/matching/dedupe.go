package matching

import (
	"sort"

	"brandwatch/internal/domain"
)

// Better reports whether a should win over b for the same key. Match type
// priority dominates, then score; the remaining fields only break exact
// ties so the ordering is total.
func Better(a, b domain.Match) bool {
	if pa, pb := a.Type.Priority(), b.Type.Priority(); pa != pb {
		return pa > pb
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.DiscoveredAt.Equal(b.DiscoveredAt) {
		return a.DiscoveredAt.Before(b.DiscoveredAt)
	}
	return a.MatchedKeyword < b.MatchedKeyword
}

// Dedupe collapses a batch to one match per (brand, domain). The result does
// not depend on input order and is sorted by brand then domain.
func Dedupe(batch []domain.Match) []domain.Match {
	best := make(map[domain.MatchKey]domain.Match, len(batch))
	for _, m := range batch {
		k := m.Key()
		if cur, ok := best[k]; !ok || Better(m, cur) {
			best[k] = m
		}
	}
	out := make([]domain.Match, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BrandID != out[j].BrandID {
			return out[i].BrandID < out[j].BrandID
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}
