package chunker

import (
	"strings"
	"unicode"
)

const (
	StrategyWords = "words" // windows end on whitespace when possible
	StrategyFixed = "fixed" // windows end exactly at ChunkSize runes
)

type ChunkOptions struct {
	ChunkSize    int    // target chunk size in characters
	ChunkOverlap int    // characters shared by adjacent chunks
	Strategy     string // "words" or "fixed"
}

type TextChunk struct {
	Content string
	Index   int
	Start   int // rune offset of the window in the source text
	End     int
}

func DefaultOptions() ChunkOptions {
	return ChunkOptions{
		ChunkSize:    1000,
		ChunkOverlap: 200,
		Strategy:     StrategyWords,
	}
}

func (o ChunkOptions) normalize() ChunkOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.ChunkOverlap < 0 {
		o.ChunkOverlap = 0
	}
	if o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = o.ChunkSize / 5
	}
	if o.Strategy == "" {
		o.Strategy = StrategyWords
	}
	return o
}

// Chunk splits text into ordered, overlapping windows. Each window after the
// first starts ChunkOverlap runes before the previous window's end, so
// adjacent chunks share their boundary text. Index is 0-based in document
// order and has no gaps.
func Chunk(text string, opts ChunkOptions) []TextChunk {
	opts = opts.normalize()
	runes := []rune(text)
	n := len(runes)

	var chunks []TextChunk
	start := 0
	for start < n {
		for start < n && unicode.IsSpace(runes[start]) {
			start++
		}
		if start >= n {
			break
		}

		end := start + opts.ChunkSize
		if end >= n {
			end = n
		} else if opts.Strategy == StrategyWords {
			if cut := lastSpace(runes, start, end); cut > start+opts.ChunkOverlap {
				end = cut
			}
		}

		if content := strings.TrimSpace(string(runes[start:end])); content != "" {
			chunks = append(chunks, TextChunk{
				Content: content,
				Index:   len(chunks),
				Start:   start,
				End:     end,
			})
		}
		if end == n {
			break
		}

		next := end - opts.ChunkOverlap
		if opts.Strategy == StrategyWords {
			next = wordStart(runes, next, max(start+1, next-opts.ChunkOverlap))
		}
		if next <= start {
			next = end
		}
		start = next
	}

	return chunks
}

// wordStart moves pos back to the beginning of the word it falls in, but not
// past floor. If no word boundary exists in that range pos is returned as is.
func wordStart(runes []rune, pos, floor int) int {
	for i := pos; i > floor; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return pos
}

// lastSpace returns the index of the last whitespace rune in runes[from:to],
// or -1.
func lastSpace(runes []rune, from, to int) int {
	for i := to; i > from; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}
