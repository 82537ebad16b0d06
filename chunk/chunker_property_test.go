package chunk

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// Properties that must hold for every valid configuration: termination,
// the single-chunk identity for short inputs, the size bound, and
// non-empty output pieces.
func TestSplit_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxSize := rapid.IntRange(2, 64).Draw(t, "max_size")
		overlap := rapid.IntRange(0, maxSize-1).Draw(t, "overlap")
		text := rapid.StringOfN(
			rapid.RuneFrom([]rune("abcdefgh .!?日本\n")),
			0, 512, -1,
		).Draw(t, "text")

		c, err := New(Config{MaxSize: maxSize, Overlap: overlap}, nil)
		if err != nil {
			t.Fatalf("valid config rejected: %v", err)
		}

		chunks := c.Split(text)

		if len([]rune(text)) <= maxSize {
			if text == "" {
				if len(chunks) != 0 {
					t.Fatalf("empty text produced %d chunks", len(chunks))
				}
				return
			}
			if len(chunks) != 1 || chunks[0] != text {
				t.Fatalf("short text not returned unchanged: %q -> %q", text, chunks)
			}
			return
		}

		for i, chunk := range chunks {
			if strings.TrimSpace(chunk) == "" {
				t.Fatalf("chunk %d is empty or whitespace", i)
			}
			if got := len([]rune(chunk)); got > maxSize {
				t.Fatalf("chunk %d has %d runes, max %d", i, got, maxSize)
			}
		}
	})
}
