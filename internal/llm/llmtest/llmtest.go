// Package llmtest provides deterministic llm.Provider implementations for
// tests: a hashed bag-of-words embedder and a scripted streaming generator.
package llmtest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/nikhilbhutani/docchat/internal/llm"
)

const DefaultDim = 64

// HashVector embeds text as an L2-normalised bag of hashed lowercase words.
// Identical texts get identical vectors; texts sharing no words are
// orthogonal unless their words collide.
func HashVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(dim)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

// Provider is a fake LLM. The zero value embeds with DefaultDim and streams
// nothing.
type Provider struct {
	Model string
	Dim   int

	// EmbedErr, when set, is consulted before every embedding call with the
	// 1-based call number.
	EmbedErr func(call int) error

	// Deltas are streamed in order, Delay apart. If StreamErr is set the
	// stream fails after FailAfter deltas.
	Deltas    []string
	Delay     time.Duration
	StreamErr error
	FailAfter int
	OpenErr   error

	mu          sync.Mutex
	embedCalls  int
	streamCalls int
	requests    []llm.ChatRequest
	inflight    int
	maxInflight int
	released    chan struct{}
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) dim() int {
	if p.Dim > 0 {
		return p.Dim
	}
	return DefaultDim
}

func (p *Provider) GenerateEmbedding(ctx context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	p.mu.Lock()
	p.embedCalls++
	call := p.embedCalls
	p.inflight++
	p.maxInflight = max(p.maxInflight, p.inflight)
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inflight--
		p.mu.Unlock()
	}()

	if p.EmbedErr != nil {
		if err := p.EmbedErr(call); err != nil {
			return nil, err
		}
	}
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make([][]float32, len(req.Input))
	for i, text := range req.Input {
		out[i] = HashVector(text, p.dim())
	}
	model := p.Model
	if model == "" {
		model = req.Model
	}
	return &llm.EmbeddingResponse{Provider: p.Name(), Model: model, Embeddings: out}, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	p.mu.Lock()
	p.streamCalls++
	p.requests = append(p.requests, req)
	if p.released == nil {
		p.released = make(chan struct{}, 16)
	}
	released := p.released
	p.mu.Unlock()

	if p.OpenErr != nil {
		return nil, p.OpenErr
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		defer func() { released <- struct{}{} }()
		for i, d := range p.Deltas {
			if p.StreamErr != nil && i == p.FailAfter {
				send(ctx, ch, llm.StreamChunk{Error: p.StreamErr, Done: true})
				return
			}
			if p.Delay > 0 {
				select {
				case <-time.After(p.Delay):
				case <-ctx.Done():
					return
				}
			}
			if !send(ctx, ch, llm.StreamChunk{Content: d}) {
				return
			}
		}
		if p.StreamErr != nil && p.FailAfter >= len(p.Deltas) {
			send(ctx, ch, llm.StreamChunk{Error: p.StreamErr, Done: true})
			return
		}
		send(ctx, ch, llm.StreamChunk{Done: true})
	}()
	return ch, nil
}

func send(ctx context.Context, ch chan<- llm.StreamChunk, c llm.StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Provider) EmbedCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.embedCalls
}

func (p *Provider) StreamCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamCalls
}

func (p *Provider) MaxInflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInflight
}

// Requests returns the chat requests received so far.
func (p *Provider) Requests() []llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.ChatRequest(nil), p.requests...)
}

// WaitReleased blocks until a stream goroutine has exited, or timeout.
func (p *Provider) WaitReleased(timeout time.Duration) bool {
	p.mu.Lock()
	if p.released == nil {
		p.released = make(chan struct{}, 16)
	}
	released := p.released
	p.mu.Unlock()
	select {
	case <-released:
		return true
	case <-time.After(timeout):
		return false
	}
}
