// Package recall ranks an owner's memory traces against a query by
// combining vector similarity with recency and salience. Vectors live in
// an in-memory index hydrated from the store; the store stays the source
// of truth for everything else.
package recall

import (
	"math"
	"sort"
	"sync"

	"github.com/luminalab/engram/types"
)

type bucketKey struct {
	owner string
	head  types.Head
}

// Candidate is one index hit: a trace ID with its raw cosine similarity.
type Candidate struct {
	TraceID    string
	Similarity float64
}

// Index is an in-memory vector index partitioned by (owner, head).
// Partitioning makes owner isolation structural: a search can only ever
// see vectors from its own bucket.
type Index struct {
	mu      sync.RWMutex
	buckets map[bucketKey]map[string][]float32
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{buckets: make(map[bucketKey]map[string][]float32)}
}

// Put inserts or replaces the vector for (owner, head, traceID).
func (idx *Index) Put(owner string, head types.Head, traceID string, vec []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := bucketKey{owner: owner, head: head}
	bucket, ok := idx.buckets[key]
	if !ok {
		bucket = make(map[string][]float32)
		idx.buckets[key] = bucket
	}
	bucket[traceID] = vec
}

// Remove drops every vector of a trace across all of the owner's heads.
func (idx *Index) Remove(owner, traceID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for key, bucket := range idx.buckets {
		if key.owner != owner {
			continue
		}
		delete(bucket, traceID)
	}
}

// Len returns the number of vectors in one (owner, head) bucket.
func (idx *Index) Len(owner string, head types.Head) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.buckets[bucketKey{owner: owner, head: head}])
}

// Search returns the k most similar vectors in the (owner, head) bucket,
// most similar first. k <= 0 returns everything.
func (idx *Index) Search(owner string, head types.Head, query []float32, k int) []Candidate {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bucket := idx.buckets[bucketKey{owner: owner, head: head}]
	if len(bucket) == 0 {
		return nil
	}

	candidates := make([]Candidate, 0, len(bucket))
	for id, vec := range bucket {
		candidates = append(candidates, Candidate{
			TraceID:    id,
			Similarity: cosineSimilarity(query, vec),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].TraceID < candidates[j].TraceID
	})

	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or a zero vector yield 0, so degraded zero-fill
// embeddings never rank.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
