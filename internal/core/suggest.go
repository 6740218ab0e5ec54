package core

import "sort"

// SuggestNames returns up to max known names closest to input by edit
// distance, nearest first. Names further than half the input length away are
// not worth suggesting.
func SuggestNames(input string, known []string, max int) []string {
	type scored struct {
		name string
		dist int
	}
	cutoff := len(input)/2 + 1
	candidates := make([]scored, 0, len(known))
	for _, name := range known {
		d := editDistance(input, name)
		if d <= cutoff {
			candidates = append(candidates, scored{name, d})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.name
	}
	return out
}

// editDistance is the Levenshtein distance with two rolling rows.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
