package matching

import (
	"sort"
	"sync/atomic"

	ac "github.com/anknown/ahocorasick"

	"brandwatch/internal/domain"
)

// Index maps normalized brand terms to the brands that own them. It is built
// once per scheduling cycle and is read-only afterwards, so lookups need no
// locking.
type Index struct {
	machine *ac.Machine
	terms   map[string][]string // substring term -> brand ids

	skeletons map[string][]string // folded domain label -> brand ids
	deletions map[string][]string // deletion variant of a domain label -> brand ids
	maxDist   int
	minLabel  int
	maxLabel  int

	brands map[string]domain.Brand
}

// BuildIndex derives the term index from active brands. Paused brands are
// skipped; an empty list yields an empty index that matches nothing.
func BuildIndex(brands []domain.Brand, params Params) *Index {
	params = params.withDefaults()
	idx := &Index{
		terms:     make(map[string][]string),
		skeletons: make(map[string][]string),
		deletions: make(map[string][]string),
		maxDist:   params.TyposquatMaxDistance,
		brands:    make(map[string]domain.Brand, len(brands)),
	}
	for _, b := range brands {
		if b.Status == domain.BrandPaused {
			continue
		}
		idx.brands[b.ID] = b
		for _, tok := range nameTokens(b.Name) {
			idx.addTerm(tok, b.ID)
		}
		idx.addTerm(stripAlnum(b.Name), b.ID)
		for _, kw := range b.Keywords {
			idx.addTerm(stripAlnum(kw), b.ID)
		}
		canonical := domain.NormalizeDomain(b.Domain)
		if canonical == "" {
			continue
		}
		label, _ := domain.Registrable(canonical)
		idx.addTerm(stripAlnum(label), b.ID)
		addUnique(idx.skeletons, skeleton(label), b.ID)
		deletions(label, idx.maxDist, func(v string) bool {
			addUnique(idx.deletions, v, b.ID)
			return false
		})
		n := len([]rune(label))
		if idx.minLabel == 0 || n < idx.minLabel {
			idx.minLabel = n
		}
		if n > idx.maxLabel {
			idx.maxLabel = n
		}
	}
	if len(idx.terms) > 0 {
		words := make([]string, 0, len(idx.terms))
		for t := range idx.terms {
			words = append(words, t)
		}
		sort.Strings(words)
		dict := make([][]rune, len(words))
		for i, w := range words {
			dict[i] = []rune(w)
		}
		m := new(ac.Machine)
		if err := m.Build(dict); err == nil {
			idx.machine = m
		}
	}
	return idx
}

func (idx *Index) addTerm(term, brandID string) {
	if term == "" {
		return
	}
	addUnique(idx.terms, term, brandID)
}

func addUnique(m map[string][]string, key, id string) {
	for _, existing := range m[key] {
		if existing == id {
			return
		}
	}
	m[key] = append(m[key], id)
}

// Len is the number of distinct substring terms.
func (idx *Index) Len() int { return len(idx.terms) }

// Brand returns the brand snapshot the index was built from.
func (idx *Index) Brand(id string) (domain.Brand, bool) {
	b, ok := idx.brands[id]
	return b, ok
}

// MightMatch reports whether the domain could match any indexed brand. It
// never rejects a domain the scorer would match.
func (idx *Index) MightMatch(raw string) bool {
	c, ok := newCandidate(raw)
	if !ok {
		return false
	}
	matched := false
	idx.visit(c, func(string) bool {
		matched = true
		return true
	})
	return matched
}

// Candidates returns the ids of brands the domain might match, sorted.
func (idx *Index) Candidates(raw string) []string {
	c, ok := newCandidate(raw)
	if !ok {
		return nil
	}
	return idx.candidates(c)
}

func (idx *Index) candidates(c candidate) []string {
	var out []string
	idx.visit(c, func(id string) bool {
		for _, e := range out {
			if e == id {
				return false
			}
		}
		out = append(out, id)
		return false
	})
	sort.Strings(out)
	return out
}

// visit reports every brand id hit by c; fn returning true stops early.
func (idx *Index) visit(c candidate, fn func(brandID string) bool) {
	if idx == nil {
		return
	}
	if idx.machine != nil && c.stripped != "" {
		for _, term := range idx.machine.MultiPatternSearch([]rune(c.stripped), false) {
			for _, id := range idx.terms[string(term.Word)] {
				if fn(id) {
					return
				}
			}
		}
	}
	for _, id := range idx.skeletons[skeleton(c.ulabel)] {
		if fn(id) {
			return
		}
	}
	n := len([]rune(c.label))
	if len(idx.deletions) == 0 || n < idx.minLabel-idx.maxDist || n > idx.maxLabel+idx.maxDist {
		return
	}
	deletions(c.label, idx.maxDist, func(v string) bool {
		for _, id := range idx.deletions[v] {
			if fn(id) {
				return true
			}
		}
		return false
	})
}

// Holder publishes the current index. Readers load it without locking; the
// single rebuilder swaps in a fresh index each cycle.
type Holder struct {
	p atomic.Pointer[Index]
}

func (h *Holder) Load() *Index { return h.p.Load() }

func (h *Holder) Store(idx *Index) { h.p.Store(idx) }
