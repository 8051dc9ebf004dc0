package rag

import (
	"fmt"
	"strings"

	"github.com/nikhilbhutani/docchat/internal/llm"
	"github.com/nikhilbhutani/docchat/pkg/tokenizer"
)

const systemPrompt = `You are a helpful AI assistant that answers questions based on the provided context.
If the answer cannot be found in the context, say "I don't have enough information to answer that."
Always be clear, concise, and accurate. Cite the passages you used as [N].`

type PromptInput struct {
	Question string
	Passages []Passage
	// History holds earlier turns, oldest first.
	History []llm.Message
	// HistoryTokens caps the estimated size of the included history. The
	// newest turns are kept.
	HistoryTokens int
}

// BuildPrompt assembles the grounded chat request: a system message with
// the numbered context, recent history, then the question.
func BuildPrompt(in PromptInput) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt + "\n\nContext:\n" + buildContext(in.Passages)}}

	contents := make([]string, len(in.History))
	for i, m := range in.History {
		contents[i] = m.Content
	}
	kept := tokenizer.FitNewest(contents, in.HistoryTokens)
	msgs = append(msgs, in.History[len(in.History)-len(kept):]...)

	return append(msgs, llm.Message{Role: llm.RoleUser, Content: in.Question})
}

func buildContext(passages []Passage) string {
	if len(passages) == 0 {
		return "(no relevant passages found)"
	}
	var sb strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&sb, "[%d] %s\n%s\n\n", i+1, p.Filename, p.Text)
	}
	return strings.TrimRight(sb.String(), "\n")
}
