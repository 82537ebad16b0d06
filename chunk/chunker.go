// Package chunk splits raw text into bounded, overlapping segments for
// embedding. Cuts prefer sentence boundaries, then word boundaries, and
// only fall back to a hard cut when the window contains neither.
package chunk

import (
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/luminalab/engram/types"
)

// Config configures the chunker. All sizes are in runes.
type Config struct {
	MaxSize int `yaml:"max_size" json:"max_size" env:"MAX_SIZE"`
	Overlap int `yaml:"overlap" json:"overlap" env:"OVERLAP"`
}

// DefaultConfig returns the default chunking configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize: 512,
		Overlap: 64,
	}
}

// Validate rejects configurations under which chunking could stall.
// Overlap must be strictly smaller than the window size.
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return types.NewErrorf(types.ErrValidation, "chunk max_size must be positive, got %d", c.MaxSize)
	}
	if c.Overlap < 0 || c.Overlap >= c.MaxSize {
		return types.NewErrorf(types.ErrValidation, "chunk overlap must satisfy 0 <= overlap < max_size, got overlap=%d max_size=%d", c.Overlap, c.MaxSize)
	}
	return nil
}

// sentenceEnders marks runes that terminate a sentence, including CJK
// variants and newlines.
var sentenceEnders = map[rune]bool{
	'.': true, '。': true,
	'!': true, '！': true,
	'?': true, '？': true,
	'\n': true,
}

// Chunker carves text into windows of at most MaxSize runes, consecutive
// windows sharing up to Overlap runes of context.
type Chunker struct {
	config Config
	logger *zap.Logger
}

// New creates a chunker, rejecting invalid configurations.
func New(config Config, logger *zap.Logger) (*Chunker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{
		config: config,
		logger: logger.With(zap.String("component", "chunker")),
	}, nil
}

// Split returns the ordered chunks of text. Text that already fits one
// window is returned unchanged as a single chunk.
func (c *Chunker) Split(text string) []string {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= c.config.MaxSize {
		return []string{text}
	}

	chunks := make([]string, 0, len(runes)/c.config.MaxSize+1)
	start := 0
	for start < len(runes) {
		end := start + c.config.MaxSize
		if end >= len(runes) {
			end = len(runes)
		} else if cut := boundaryCut(runes[start:end]); cut > 0 {
			end = start + cut
		}

		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			chunks = append(chunks, piece)
		}

		if end >= len(runes) {
			break
		}

		next := end - c.config.Overlap
		if next <= start {
			// A boundary cut landed inside the overlap region; skip the
			// overlap for this step so the window always advances.
			next = end
		}
		start = next
	}

	c.logger.Debug("text chunked",
		zap.Int("chunks", len(chunks)),
		zap.Int("max_size", c.config.MaxSize),
		zap.Int("overlap", c.config.Overlap))

	return chunks
}

// boundaryCut searches the second half of the window for a cut point:
// first a sentence ender (cut after it), then a whitespace rune (cut
// before it). Returns 0 when the window should be hard-cut at full size.
func boundaryCut(window []rune) int {
	half := len(window) / 2
	for i := len(window) - 1; i >= half; i-- {
		if sentenceEnders[window[i]] {
			return i + 1
		}
	}
	for i := len(window) - 1; i >= half; i-- {
		if unicode.IsSpace(window[i]) {
			return i
		}
	}
	return 0
}
