package index

import "sort"

// rrfK dampens the contribution of lower-ranked hits in reciprocal rank
// fusion. 60 is the value from the original RRF paper and what most
// search engines default to.
const rrfK = 60

// HybridCandidates is the per-ranking candidate depth backends fetch
// before fusing. Fixed across backends so that hybrid ordering depends
// only on the fused rankings, not on engine-specific fetch sizes.
func HybridCandidates(limit int) int {
	return limit * 2
}

// FuseRanked combines a full-text ranking and a vector ranking into one
// list via reciprocal rank fusion. Both backends call this instead of
// pushing fusion into a native query, so hybrid ordering is identical
// across physically different engines.
//
// Fusion is rank-based: raw scores never mix, which keeps the result
// independent of each engine's score scale. Ties break on ascending id
// so ordering is deterministic for identical inputs.
func FuseRanked(text, vector []Result, limit int) []Result {
	type entry struct {
		res   Result
		score float64
	}
	fused := make(map[string]*entry)

	accumulate := func(results []Result) {
		for rank, r := range results {
			e, ok := fused[r.ID]
			if !ok {
				e = &entry{res: r}
				fused[r.ID] = e
			}
			e.score += 1.0 / float64(rrfK+rank+1)
		}
	}
	accumulate(text)
	accumulate(vector)

	out := make([]Result, 0, len(fused))
	for _, e := range fused {
		e.res.Score = e.score
		out = append(out, e.res)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
