package query

import (
	"sort"

	"github.com/coreindex/coreindex/internal/ftsindex"
	"github.com/coreindex/coreindex/internal/vectorstore"
)

// rrfK matches the teacher's RRFFusion default constant.
const rrfK = 60

// DefaultWeights balances semantic and keyword contributions for hybrid
// fusion.
var DefaultWeights = Weights{FTS: 0.35, Semantic: 0.65}

// Weights controls hybrid fusion's relative trust in each search source.
type Weights struct {
	FTS      float64
	Semantic float64
}

// hybridHit is one item surviving union, keyed by path -- the
// granularity FTSIndex documents live at. Semantic results are rolled up
// from chunk to path by keeping each path's best-scoring chunk, since
// hybrid union happens at file granularity (spec.md §4.N: "union by id").
type hybridHit struct {
	path         string
	semantic     *vectorstore.SearchResult
	fts          *ftsindex.SearchHit
	semanticRank int // 1-based; 0 means absent
	ftsRank      int
}

// fuseHybrid unions semantic and FTS results by path and scores each
// union member with Reciprocal Rank Fusion, boosting items present in
// both lists. A document present in only one list still receives the
// other source's weighted contribution at missing_rank, the same
// handling the fusion this package generalizes from uses for
// single-source hits.
func fuseHybrid(semantic []vectorstore.SearchResult, fts []ftsindex.SearchHit, weights Weights) []hybridHit {
	bestSemanticByPath := make(map[string]vectorstore.SearchResult)
	var semanticOrder []string
	for _, r := range semantic {
		p := payloadPath(r.Payload)
		if p == "" {
			continue
		}
		if existing, ok := bestSemanticByPath[p]; !ok || r.Score > existing.Score {
			if _, seen := bestSemanticByPath[p]; !seen {
				semanticOrder = append(semanticOrder, p)
			}
			bestSemanticByPath[p] = r
		}
	}
	sort.SliceStable(semanticOrder, func(i, j int) bool {
		return bestSemanticByPath[semanticOrder[i]].Score > bestSemanticByPath[semanticOrder[j]].Score
	})

	byPath := make(map[string]*hybridHit, len(semanticOrder)+len(fts))
	for rank, p := range semanticOrder {
		r := bestSemanticByPath[p]
		byPath[p] = &hybridHit{path: p, semantic: &r, semanticRank: rank + 1}
	}
	for rank, h := range fts {
		hCopy := h
		if existing, ok := byPath[h.Path]; ok {
			existing.fts = &hCopy
			existing.ftsRank = rank + 1
		} else {
			byPath[h.Path] = &hybridHit{path: h.Path, fts: &hCopy, ftsRank: rank + 1}
		}
	}

	missingRank := len(semanticOrder)
	if len(fts) > missingRank {
		missingRank = len(fts)
	}
	missingRank++

	hits := make([]*hybridHit, 0, len(byPath))
	for _, h := range byPath {
		hits = append(hits, h)
	}

	score := make(map[*hybridHit]float64, len(hits))
	for _, h := range hits {
		var s float64
		if h.semanticRank > 0 {
			s += weights.Semantic / float64(rrfK+h.semanticRank)
		} else {
			// Present only in FTS: still award the semantic weight's
			// contribution at missing_rank, matching the dual-source RRF
			// idiom this hybrid mode generalizes.
			s += weights.Semantic / float64(rrfK+missingRank)
		}
		if h.ftsRank > 0 {
			s += weights.FTS / float64(rrfK+h.ftsRank)
		} else {
			s += weights.FTS / float64(rrfK+missingRank)
		}
		score[h] = s
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return score[hits[i]] > score[hits[j]]
	})

	result := make([]hybridHit, len(hits))
	for i, h := range hits {
		result[i] = *h
	}
	return result
}
