package matching

// editDistance is the optimal string alignment distance: insertions,
// deletions, substitutions and adjacent transpositions each cost one.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	n, m := len(ra), len(rb)
	if n == 0 {
		return m
	}
	if m == 0 {
		return n
	}
	// three rolling rows: i-2, i-1, i
	prev2 := make([]int, m+1)
	prev := make([]int, m+1)
	cur := make([]int, m+1)
	for j := 0; j <= m; j++ {
		prev[j] = j
	}
	for i := 1; i <= n; i++ {
		cur[0] = i
		for j := 1; j <= m; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				cur[j] = min(cur[j], prev2[j-2]+1)
			}
		}
		prev2, prev, cur = prev, cur, prev2
	}
	return prev[m]
}

// deletions calls fn with s and every string obtained from s by deleting up
// to k runes. Two strings within edit distance k always share at least one
// such variant, which is what lets the prefilter catch typosquats without
// comparing against every brand. Duplicates may be reported. fn returning
// true stops the walk.
func deletions(s string, k int, fn func(string) bool) bool {
	rs := []rune(s)
	buf := make([]rune, 0, len(rs))
	var walk func(start, left int) bool
	walk = func(start, left int) bool {
		if fn(string(buf) + string(rs[start:])) {
			return true
		}
		if left == 0 {
			return false
		}
		for i := start; i < len(rs); i++ {
			mark := len(buf)
			buf = append(buf, rs[start:i]...)
			if walk(i+1, left-1) {
				return true
			}
			buf = buf[:mark]
		}
		return false
	}
	return walk(0, k)
}
