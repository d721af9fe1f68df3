package searcher

import (
	"sort"

	"github.com/dshills/bookfinder/pkg/types"
)

// RankPolicy controls the dedup and truncation applied to raw candidates
type RankPolicy struct {
	TopN          int
	PerTitleQuota int
	// ByDistance re-sorts the deduplicated sequence by ascending distance.
	// Relational and exact-key modes keep their incoming order instead.
	ByDistance bool
}

// Rank applies the per-title quota, ordering and truncation.
//
// Candidates are grouped by exact title and each group keeps its first
// PerTitleQuota members in incoming order. Groups are flattened in the order
// their first member was seen. With ByDistance the flattened sequence is
// stable-sorted by distance, so equal distances keep first-seen group order.
// The result is truncated to TopN.
func Rank(candidates []types.SearchResult, policy RankPolicy) []types.SearchResult {
	if len(candidates) == 0 || policy.TopN <= 0 {
		return []types.SearchResult{}
	}

	var kept []types.SearchResult
	if policy.ByDistance {
		kept = flattenGroups(candidates, policy.PerTitleQuota)
		sort.SliceStable(kept, func(i, j int) bool {
			return kept[i].DistanceOrZero() < kept[j].DistanceOrZero()
		})
	} else {
		kept = filterQuota(candidates, policy.PerTitleQuota)
	}

	if len(kept) > policy.TopN {
		kept = kept[:policy.TopN]
	}
	return kept
}

// flattenGroups returns group members in first-seen group order
func flattenGroups(candidates []types.SearchResult, quota int) []types.SearchResult {
	var order []string
	groups := make(map[string][]types.SearchResult)
	for _, c := range candidates {
		g, seen := groups[c.Title]
		if !seen {
			order = append(order, c.Title)
		}
		if len(g) < quota {
			groups[c.Title] = append(g, c)
		} else if !seen {
			groups[c.Title] = g
		}
	}

	out := make([]types.SearchResult, 0, len(candidates))
	for _, title := range order {
		out = append(out, groups[title]...)
	}
	return out
}

// filterQuota drops candidates beyond the quota for their title, keeping incoming order
func filterQuota(candidates []types.SearchResult, quota int) []types.SearchResult {
	counts := make(map[string]int)
	out := make([]types.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		if counts[c.Title] >= quota {
			continue
		}
		counts[c.Title]++
		out = append(out, c)
	}
	return out
}
