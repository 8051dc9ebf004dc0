package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// page builds roughly n characters of distinct words so overlaps can be
// located unambiguously.
func page(prefix string, n int) string {
	var sb strings.Builder
	for i := 0; sb.Len() < n; i++ {
		fmt.Fprintf(&sb, "%s%03d ", prefix, i)
	}
	return strings.TrimSpace(sb.String())
}

func TestChunk_ThreePagesWithTwentyPercentOverlap(t *testing.T) {
	text := page("alpha", 1000) + "\n\n" + page("beta", 1000) + "\n\n" + page("gamma", 1000)

	chunks := Chunk(text, ChunkOptions{ChunkSize: 1000, ChunkOverlap: 200})

	require.GreaterOrEqual(t, len(chunks), 3)
	require.LessOrEqual(t, len(chunks), 4)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index, "indices are 0-based and contiguous")
		assert.LessOrEqual(t, len([]rune(c.Content)), 1000)
	}
	for i := 1; i < len(chunks); i++ {
		head := string([]rune(chunks[i].Content)[:40])
		assert.Contains(t, chunks[i-1].Content, head, "chunk %d should start inside chunk %d", i, i-1)
	}
	assert.True(t, strings.HasPrefix(chunks[0].Content, "alpha000"))
	assert.True(t, strings.HasSuffix(chunks[len(chunks)-1].Content, strings.Fields(text)[len(strings.Fields(text))-1]))
}

func TestChunk_WordBoundaries(t *testing.T) {
	text := page("word", 500)

	chunks := Chunk(text, ChunkOptions{ChunkSize: 100, ChunkOverlap: 20})
	require.NotEmpty(t, chunks)

	words := make(map[string]bool)
	for _, w := range strings.Fields(text) {
		words[w] = true
	}
	for _, c := range chunks {
		for _, w := range strings.Fields(c.Content) {
			assert.True(t, words[w], "chunk %d split a word: %q", c.Index, w)
		}
	}
}

func TestChunk_CoversWholeText(t *testing.T) {
	text := page("tok", 3000)

	chunks := Chunk(text, DefaultOptions())

	seen := make(map[string]bool)
	for _, c := range chunks {
		for _, w := range strings.Fields(c.Content) {
			seen[w] = true
		}
	}
	for _, w := range strings.Fields(text) {
		assert.True(t, seen[w], "word %q lost", w)
	}
}

func TestChunk_Fixed(t *testing.T) {
	text := strings.Repeat("x", 250)

	chunks := Chunk(text, ChunkOptions{ChunkSize: 100, ChunkOverlap: 10, Strategy: StrategyFixed})

	require.Len(t, chunks, 3)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 90, chunks[1].Start)
	assert.Equal(t, 180, chunks[2].Start)
	assert.Equal(t, 250, chunks[2].End)
}

func TestChunk_NoSpacesStillProgresses(t *testing.T) {
	text := strings.Repeat("a", 5000)

	chunks := Chunk(text, ChunkOptions{ChunkSize: 1000, ChunkOverlap: 200})

	assert.Len(t, chunks, 6)
}

func TestChunk_EdgeCases(t *testing.T) {
	assert.Empty(t, Chunk("", DefaultOptions()))
	assert.Empty(t, Chunk("   \n\t ", DefaultOptions()))

	short := Chunk("  just one chunk  ", DefaultOptions())
	require.Len(t, short, 1)
	assert.Equal(t, "just one chunk", short[0].Content)

	// overlap >= size is clamped instead of looping forever
	clamped := Chunk(page("w", 400), ChunkOptions{ChunkSize: 50, ChunkOverlap: 80})
	assert.NotEmpty(t, clamped)
}
