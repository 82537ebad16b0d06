package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/luminalab/engram/types"
)

// StaticClient is a deterministic, dependency-free Client for local
// development and tests. It hashes normalized tokens into a fixed number
// of buckets, so texts sharing vocabulary produce similar vectors.
type StaticClient struct {
	Dim int
}

// NewStaticClient creates a static embedder with the given dimension.
func NewStaticClient(dim int) *StaticClient {
	if dim <= 0 {
		dim = 256
	}
	return &StaticClient{Dim: dim}
}

// Dimension returns the configured dimension.
func (s *StaticClient) Dimension() int {
	return s.Dim
}

// Embed hashes the text's tokens into a normalized bag-of-words vector.
func (s *StaticClient) Embed(_ context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, types.NewError(types.ErrValidation, "embedding input text is empty")
	}

	vec := make([]float32, s.Dim)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[int(h.Sum32())%s.Dim] += 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}

	return Result{Vector: vec, Outcome: OutcomeComputed}, nil
}

// EmbedBatch embeds texts sequentially; the static embedder has no
// backend to protect.
func (s *StaticClient) EmbedBatch(ctx context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	return results, nil
}

// tokenize lowercases, strips punctuation, and trims trivial plural
// suffixes so "databases" and "database" land in the same bucket.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 3 && strings.HasSuffix(f, "s") {
			f = f[:len(f)-1]
		}
		tokens = append(tokens, f)
	}
	return tokens
}
