package textextract

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Handler extracts plain text from one file format.
type Handler interface {
	Format() Format
	Extract(ctx context.Context, data []byte) (string, error)
}

// OCR recognises text in scanned PDFs and images. It is the registry's
// designated fallback, not a format of its own.
type OCR interface {
	Recognize(ctx context.Context, data []byte, format Format) (string, error)
}

type Registry struct {
	handlers map[Format]Handler
	ocr      OCR
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[Format]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Format()] = h
	}
	return r
}

// DefaultRegistry registers a handler for every supported format.
func DefaultRegistry() *Registry {
	return NewRegistry(
		PDFHandler{},
		DOCXHandler{},
		PlainTextHandler{},
		MarkdownHandler{},
		ImageHandler{},
	)
}

func (r *Registry) WithOCR(ocr OCR) *Registry {
	r.ocr = ocr
	return r
}

func (r *Registry) Supports(f Format) bool {
	_, ok := r.handlers[f]
	return ok
}

// Extract runs the handler for format. An empty format is sniffed from the
// payload. PDFs and images without a text layer go through OCR when one is
// configured; with no OCR, or nothing recognised, the file is corrupt.
func (r *Registry) Extract(ctx context.Context, format Format, data []byte) (string, error) {
	if format == "" {
		format = Sniff(data)
	}
	h, ok := r.handlers[format]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, format)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrCorrupt)
	}

	text, err := h.Extract(ctx, data)
	noText := errors.Is(err, ErrNoTextLayer) || (err == nil && strings.TrimSpace(text) == "")
	if !noText {
		if err != nil {
			return "", fmt.Errorf("extract %s: %w", format, err)
		}
		return text, nil
	}

	if format != FormatPDF && format != FormatImage {
		return "", fmt.Errorf("%w: no extractable text", ErrCorrupt)
	}
	if r.ocr == nil {
		return "", fmt.Errorf("%w: no text layer and OCR is not configured", ErrCorrupt)
	}
	text, err = r.ocr.Recognize(ctx, data, format)
	if err != nil {
		return "", fmt.Errorf("ocr %s: %w", format, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: OCR found no text", ErrCorrupt)
	}
	return text, nil
}
