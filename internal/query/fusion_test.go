package query

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coreindex/coreindex/internal/ftsindex"
	"github.com/coreindex/coreindex/internal/vectorstore"
)

func semResult(path string, score float64) vectorstore.SearchResult {
	return vectorstore.SearchResult{
		ID:      "chunk:" + path,
		Score:   score,
		Payload: vectorstore.Payload{vectorstore.PayloadKeyPath: path},
	}
}

func ftsHit(path string, score float64) ftsindex.SearchHit {
	return ftsindex.SearchHit{Path: path, Score: score, Metadata: ftsindex.Metadata{"path": path}}
}

func TestFuseHybrid_BoostsItemsInBothLists(t *testing.T) {
	semantic := []vectorstore.SearchResult{semResult("a.go", 0.9), semResult("b.go", 0.8), semResult("c.go", 0.7)}
	fts := []ftsindex.SearchHit{ftsHit("c.go", 5), ftsHit("a.go", 4), ftsHit("d.go", 3)}

	fused := fuseHybrid(semantic, fts, DefaultWeights)

	require := assert.New(t)
	require.NotEmpty(fused)

	// "a.go" is in both lists at good ranks in each; it must outrank
	// "d.go", which is present in only one list.
	var rankA, rankD int
	for i, h := range fused {
		if h.path == "a.go" {
			rankA = i
		}
		if h.path == "d.go" {
			rankD = i
		}
	}
	assert.Less(t, rankA, rankD)
}

func TestFuseHybrid_UnionIncludesPathsFromBothSources(t *testing.T) {
	semantic := []vectorstore.SearchResult{semResult("only-semantic.go", 0.5)}
	fts := []ftsindex.SearchHit{ftsHit("only-fts.go", 1)}

	fused := fuseHybrid(semantic, fts, DefaultWeights)

	var paths []string
	for _, h := range fused {
		paths = append(paths, h.path)
	}
	assert.ElementsMatch(t, []string{"only-semantic.go", "only-fts.go"}, paths)
}

func TestFuseHybrid_EmptyInputsProduceEmptyOutput(t *testing.T) {
	fused := fuseHybrid(nil, nil, DefaultWeights)
	assert.Empty(t, fused)
}

func TestFuseHybrid_DedupesSemanticChunksToBestPerPath(t *testing.T) {
	semantic := []vectorstore.SearchResult{
		{ID: "chunk:1", Score: 0.4, Payload: vectorstore.Payload{vectorstore.PayloadKeyPath: "a.go"}},
		{ID: "chunk:2", Score: 0.9, Payload: vectorstore.Payload{vectorstore.PayloadKeyPath: "a.go"}},
	}

	fused := fuseHybrid(semantic, nil, DefaultWeights)

	assert.Len(t, fused, 1)
	assert.Equal(t, "chunk:2", fused[0].semantic.ID)
}
