package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/config"
	"github.com/nikhilbhutani/docchat/pkg/chunker"
	"github.com/nikhilbhutani/docchat/pkg/textextract"
)

// Processor turns raw file bytes into ordered, overlapping chunks.
type Processor struct {
	registry *textextract.Registry
	opts     chunker.ChunkOptions
}

func NewProcessor(registry *textextract.Registry, opts chunker.ChunkOptions) *Processor {
	if registry == nil {
		registry = textextract.DefaultRegistry()
	}
	return &Processor{registry: registry, opts: opts}
}

// NewProcessorFromConfig uses tesseract for OCR when the binary is
// installed; without it scanned documents fail as corrupt.
func NewProcessorFromConfig(cfg config.IngestionConfig, logger *slog.Logger) *Processor {
	registry := textextract.DefaultRegistry()
	if ocr := NewTesseract(cfg); ocr.IsAvailable() {
		registry = registry.WithOCR(ocr)
	} else {
		logger.Warn("tesseract not found, OCR disabled", "path", cfg.TesseractPath)
	}
	return NewProcessor(registry, chunker.ChunkOptions{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		Strategy:     chunker.StrategyWords,
	})
}

func (p *Processor) Supports(f textextract.Format) bool {
	return p.registry.Supports(f)
}

// Process extracts text and chunks it. Unsupported and unreadable files fail
// with permanent errors; anything else (OCR timeouts, I/O) is transient.
func (p *Processor) Process(ctx context.Context, data []byte, format textextract.Format) ([]chunker.TextChunk, error) {
	text, err := p.registry.Extract(ctx, format, data)
	if err != nil {
		return nil, classifyExtract(err)
	}

	chunks := chunker.Chunk(text, p.opts)
	if len(chunks) == 0 {
		return nil, apperr.Permanent(fmt.Errorf("%w: no text after extraction", apperr.ErrCorruptFile))
	}
	return chunks, nil
}

func classifyExtract(err error) error {
	switch {
	case errors.Is(err, textextract.ErrUnsupported):
		return apperr.Permanent(fmt.Errorf("%w: %w", apperr.ErrUnsupportedFormat, err))
	case errors.Is(err, textextract.ErrCorrupt), errors.Is(err, textextract.ErrNoTextLayer):
		return apperr.Permanent(fmt.Errorf("%w: %w", apperr.ErrCorruptFile, err))
	default:
		return apperr.Transient(fmt.Errorf("extract text: %w", err))
	}
}
