package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/config"
)

type gateway struct {
	providers         map[string]Provider
	defaultProvider   string
	defaultModel      string
	fallbackProvider  string
	fallbackModel     string
	embeddingProvider string
}

func NewGateway(cfg config.LLMConfig, embeddingProvider string) Gateway {
	g := &gateway{
		providers:         make(map[string]Provider),
		defaultProvider:   cfg.DefaultProvider,
		defaultModel:      cfg.DefaultModel,
		fallbackProvider:  cfg.FallbackProvider,
		fallbackModel:     cfg.FallbackModel,
		embeddingProvider: embeddingProvider,
	}

	if cfg.OpenAIKey != "" {
		g.Register(NewOpenAIProvider(cfg.OpenAIKey, cfg.OpenAIBaseURL))
	}
	if cfg.AnthropicKey != "" {
		g.Register(NewAnthropicProvider(cfg.AnthropicKey))
	}

	return g
}

// NewGatewayWithProviders builds a gateway over explicit providers; the
// first one is the default for chat and embeddings.
func NewGatewayWithProviders(providers ...Provider) Gateway {
	g := &gateway{providers: make(map[string]Provider)}
	for _, p := range providers {
		g.Register(p)
	}
	if len(providers) > 0 {
		g.defaultProvider = providers[0].Name()
		g.embeddingProvider = providers[0].Name()
	}
	return g
}

func (g *gateway) Register(p Provider) {
	g.providers[p.Name()] = p
}

func (g *gateway) provider(name string) (Provider, error) {
	p, ok := g.providers[name]
	if !ok {
		return nil, apperr.Permanent(fmt.Errorf("provider %q not configured", name))
	}
	return p, nil
}

// ChatStream opens a stream on the requested (or default) provider. If the
// stream cannot be opened for a transient reason, the fallback provider is
// tried once. Failures after the first delta are never retried here; the
// caller owns the partial answer.
func (g *gateway) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	providerName := req.Provider
	if providerName == "" {
		providerName = g.defaultProvider
	}
	if req.Model == "" && providerName == g.defaultProvider {
		req.Model = g.defaultModel
	}

	p, err := g.provider(providerName)
	if err != nil {
		return nil, err
	}
	ch, err := p.ChatCompletionStream(ctx, req)
	if err == nil || g.fallbackProvider == "" || g.fallbackProvider == providerName || !apperr.IsTransient(err) || ctx.Err() != nil {
		return ch, err
	}

	slog.Warn("primary provider failed, trying fallback",
		"primary", providerName,
		"fallback", g.fallbackProvider,
		"error", err,
	)
	fb, fbErr := g.provider(g.fallbackProvider)
	if fbErr != nil {
		return nil, err
	}
	req.Provider = g.fallbackProvider
	req.Model = g.fallbackModel
	return fb.ChatCompletionStream(ctx, req)
}

func (g *gateway) Embed(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	providerName := req.Provider
	if providerName == "" {
		providerName = g.embeddingProvider
	}
	if providerName == "" {
		providerName = g.defaultProvider
	}

	p, err := g.provider(providerName)
	if err != nil {
		return nil, err
	}

	return p.GenerateEmbedding(ctx, req)
}
