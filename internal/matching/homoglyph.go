package matching

import "strings"

// Multi-character sequences that render like a single glyph.
var confusableSeqs = map[string]rune{
	"rn": 'm',
	"vv": 'w',
	"cl": 'd',
}

// Single runes folded to the glyph they imitate. Letters map to themselves
// implicitly.
var confusableRunes = map[rune]rune{
	'0': 'o',
	'1': 'l',
	'i': 'l',
	'|': 'l',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'8': 'b',
	'ı': 'l', // dotless i
	'ɡ': 'g',
	// Cyrillic
	'а': 'a',
	'е': 'e',
	'о': 'o',
	'р': 'p',
	'с': 'c',
	'х': 'x',
	'у': 'y',
	'і': 'l',
	'ј': 'j',
	'ѕ': 's',
	'ԁ': 'd',
	// Greek
	'ο': 'o',
	'α': 'a',
	'ν': 'v',
	'κ': 'k',
}

type glyph struct {
	orig string
	fold rune
}

// glyphs splits s into visual units. Runes are folded first, then folded
// pairs that render as a single glyph are merged, so "c1" and "cl" both
// become one 'd' unit.
func glyphs(s string) []glyph {
	rs := []rune(s)
	folded := make([]rune, len(rs))
	for i, r := range rs {
		if f, ok := confusableRunes[r]; ok {
			folded[i] = f
		} else {
			folded[i] = r
		}
	}
	out := make([]glyph, 0, len(rs))
	for i := 0; i < len(rs); i++ {
		if i+1 < len(rs) {
			if f, ok := confusableSeqs[string(folded[i:i+2])]; ok {
				out = append(out, glyph{orig: string(rs[i : i+2]), fold: f})
				i++
				continue
			}
		}
		out = append(out, glyph{orig: string(rs[i]), fold: folded[i]})
	}
	return out
}

// skeleton folds every confusable in s to its canonical glyph.
func skeleton(s string) string {
	var b strings.Builder
	for _, g := range glyphs(s) {
		b.WriteRune(g.fold)
	}
	return b.String()
}

// homoglyphSubstitutions reports how many glyphs of candidate differ from
// canonical when both fold to the same skeleton. ok is false when the
// skeletons differ or the strings are identical.
func homoglyphSubstitutions(candidate, canonical string) (substituted, units int, ok bool) {
	if candidate == canonical {
		return 0, 0, false
	}
	cg, bg := glyphs(candidate), glyphs(canonical)
	if len(cg) != len(bg) {
		return 0, 0, false
	}
	for i := range cg {
		if cg[i].fold != bg[i].fold {
			return 0, 0, false
		}
		if cg[i].orig != bg[i].orig {
			substituted++
		}
	}
	return substituted, len(cg), substituted > 0
}
