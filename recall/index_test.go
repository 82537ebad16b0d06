package recall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminalab/engram/types"
)

func TestIndex_SearchRanksBySimilarity(t *testing.T) {
	idx := NewIndex()
	idx.Put("alice", types.HeadSemantic, "aligned", []float32{1, 0})
	idx.Put("alice", types.HeadSemantic, "diagonal", []float32{1, 1})
	idx.Put("alice", types.HeadSemantic, "orthogonal", []float32{0, 1})

	hits := idx.Search("alice", types.HeadSemantic, []float32{1, 0}, 0)
	require.Len(t, hits, 3)
	assert.Equal(t, "aligned", hits[0].TraceID)
	assert.Equal(t, "diagonal", hits[1].TraceID)
	assert.Equal(t, "orthogonal", hits[2].TraceID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-9)
}

func TestIndex_SearchHonorsK(t *testing.T) {
	idx := NewIndex()
	for _, id := range []string{"a", "b", "c", "d"} {
		idx.Put("alice", types.HeadSemantic, id, []float32{1, 0})
	}

	hits := idx.Search("alice", types.HeadSemantic, []float32{1, 0}, 2)
	assert.Len(t, hits, 2)
}

func TestIndex_OwnerAndHeadPartitioning(t *testing.T) {
	idx := NewIndex()
	idx.Put("alice", types.HeadSemantic, "mine", []float32{1, 0})
	idx.Put("bob", types.HeadSemantic, "theirs", []float32{1, 0})
	idx.Put("alice", types.HeadEpisodic, "other-head", []float32{1, 0})

	hits := idx.Search("alice", types.HeadSemantic, []float32{1, 0}, 0)
	require.Len(t, hits, 1)
	assert.Equal(t, "mine", hits[0].TraceID)
}

func TestIndex_RemoveDropsAllHeads(t *testing.T) {
	idx := NewIndex()
	idx.Put("alice", types.HeadSemantic, "gone", []float32{1, 0})
	idx.Put("alice", types.HeadEpisodic, "gone", []float32{0, 1})
	idx.Put("alice", types.HeadSemantic, "kept", []float32{1, 0})

	idx.Remove("alice", "gone")

	assert.Equal(t, 1, idx.Len("alice", types.HeadSemantic))
	assert.Equal(t, 0, idx.Len("alice", types.HeadEpisodic))
}

func TestIndex_PutReplacesVector(t *testing.T) {
	idx := NewIndex()
	idx.Put("alice", types.HeadSemantic, "id", []float32{1, 0})
	idx.Put("alice", types.HeadSemantic, "id", []float32{0, 1})

	require.Equal(t, 1, idx.Len("alice", types.HeadSemantic))
	hits := idx.Search("alice", types.HeadSemantic, []float32{0, 1}, 1)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-9)
}

func TestCosineSimilarity_ZeroVectorScoresZero(t *testing.T) {
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 0}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 0}))
}
