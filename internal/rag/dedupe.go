package rag

import (
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docchat/internal/vectorstore"
)

// minOverlap is the shortest shared boundary, in bytes, treated as chunk
// overlap when stitching neighbours together.
const minOverlap = 16

// Passage is a span of consecutive chunks from one document, assembled from
// retrieval results.
type Passage struct {
	DocumentID uuid.UUID `json:"document_id"`
	Filename   string    `json:"filename"`
	FirstIndex int       `json:"first_index"`
	LastIndex  int       `json:"last_index"`
	Text       string    `json:"text"`
	Score      float64   `json:"score"`
	ChunkIDs   []string  `json:"chunk_ids"`
}

// Dedupe collapses retrieval results that repeat each other. Results from
// the same document with adjacent or equal indices are stitched into one
// passage; a result whose normalized text is contained in another is
// dropped. Input must be ordered by descending score. At most limit
// passages are returned, ordered by their best score.
func Dedupe(results []vectorstore.Result, limit int) []Passage {
	var passages []Passage
	for _, r := range results {
		if absorbed(passages, r) {
			continue
		}
		if limit > 0 && len(passages) >= limit {
			continue
		}
		passages = append(passages, Passage{
			DocumentID: r.DocumentID,
			Filename:   r.Filename,
			FirstIndex: r.ChunkIndex,
			LastIndex:  r.ChunkIndex,
			Text:       r.Text,
			Score:      r.Score,
			ChunkIDs:   []string{r.ChunkID},
		})
	}
	return coalesce(passages)
}

// absorbed merges r into an existing passage when it overlaps one.
func absorbed(passages []Passage, r vectorstore.Result) bool {
	for i := range passages {
		p := &passages[i]
		if p.DocumentID != r.DocumentID {
			continue
		}
		switch {
		case r.ChunkIndex >= p.FirstIndex && r.ChunkIndex <= p.LastIndex:
			return true
		case r.ChunkIndex == p.LastIndex+1:
			p.Text = joinOverlap(p.Text, r.Text)
			p.LastIndex = r.ChunkIndex
			p.ChunkIDs = append(p.ChunkIDs, r.ChunkID)
			return true
		case r.ChunkIndex == p.FirstIndex-1:
			p.Text = joinOverlap(r.Text, p.Text)
			p.FirstIndex = r.ChunkIndex
			p.ChunkIDs = append([]string{r.ChunkID}, p.ChunkIDs...)
			return true
		}
	}

	text := normalize(r.Text)
	for i := range passages {
		p := &passages[i]
		existing := normalize(p.Text)
		if strings.Contains(existing, text) {
			return true
		}
		if strings.Contains(text, existing) {
			*p = Passage{
				DocumentID: r.DocumentID,
				Filename:   r.Filename,
				FirstIndex: r.ChunkIndex,
				LastIndex:  r.ChunkIndex,
				Text:       r.Text,
				Score:      max(p.Score, r.Score),
				ChunkIDs:   []string{r.ChunkID},
			}
			return true
		}
	}
	return false
}

// coalesce joins passages of the same document whose ranges became
// adjacent after merging.
func coalesce(passages []Passage) []Passage {
	for i := 0; i < len(passages); i++ {
		for j := i + 1; j < len(passages); j++ {
			a, b := &passages[i], passages[j]
			if a.DocumentID != b.DocumentID {
				continue
			}
			switch {
			case b.FirstIndex == a.LastIndex+1:
				a.Text = joinOverlap(a.Text, b.Text)
				a.LastIndex = b.LastIndex
				a.ChunkIDs = append(a.ChunkIDs, b.ChunkIDs...)
			case b.LastIndex == a.FirstIndex-1:
				a.Text = joinOverlap(b.Text, a.Text)
				a.FirstIndex = b.FirstIndex
				a.ChunkIDs = append(slices.Clone(b.ChunkIDs), a.ChunkIDs...)
			default:
				continue
			}
			a.Score = max(a.Score, b.Score)
			passages = slices.Delete(passages, j, j+1)
			j = i
		}
	}
	return passages
}

// joinOverlap appends b to a, dropping the longest prefix of b that a
// already ends with.
func joinOverlap(a, b string) string {
	for k := min(len(a), len(b)); k >= minOverlap; k-- {
		if strings.HasSuffix(a, b[:k]) {
			return a + b[k:]
		}
	}
	return a + "\n" + b
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
