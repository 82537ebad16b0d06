// Package consolidate implements the dream cycle: periodic runs that
// fold an owner's recent traces into summary traces, link summaries to
// their sources, and decay the salience of what has been absorbed. Runs
// are keyed so re-running a period is a no-op.
package consolidate

import (
	"context"
	"sort"
	"strings"

	"github.com/luminalab/engram/store"
	"github.com/luminalab/engram/types"
)

// Summarizer turns a batch of traces into one summary text.
type Summarizer interface {
	Summarize(ctx context.Context, traces []store.MemoryTrace) (string, error)
}

// ExtractiveSummarizer builds a summary from the leading sentence of
// each trace, most salient traces first. No model call, deterministic,
// and good enough to keep the dream cycle useful when no generative
// backend is configured.
type ExtractiveSummarizer struct {
	// MaxSources caps how many traces contribute a sentence.
	MaxSources int

	// MaxRunes caps the summary length.
	MaxRunes int
}

// NewExtractiveSummarizer returns a summarizer with sane caps.
func NewExtractiveSummarizer() *ExtractiveSummarizer {
	return &ExtractiveSummarizer{MaxSources: 10, MaxRunes: 2000}
}

// Summarize implements Summarizer.
func (e *ExtractiveSummarizer) Summarize(_ context.Context, traces []store.MemoryTrace) (string, error) {
	if len(traces) == 0 {
		return "", types.NewError(types.ErrValidation, "nothing to summarize")
	}

	ranked := make([]store.MemoryTrace, len(traces))
	copy(ranked, traces)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Salience > ranked[j].Salience
	})

	limit := e.MaxSources
	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}

	parts := make([]string, 0, limit)
	for _, trace := range ranked[:limit] {
		if s := firstSentence(trace.Content); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "", types.NewError(types.ErrValidation, "no usable content to summarize")
	}

	summary := strings.Join(parts, " ")
	if e.MaxRunes > 0 {
		if runes := []rune(summary); len(runes) > e.MaxRunes {
			summary = string(runes[:e.MaxRunes])
		}
	}
	return summary, nil
}

// firstSentence returns the text up to and including the first sentence
// terminator, or the whole trimmed text when there is none.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		switch r {
		case '.', '!', '?', '。', '！', '？', '\n':
			return strings.TrimSpace(text[:i+len(string(r))])
		}
	}
	return text
}
