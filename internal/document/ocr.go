package document

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nikhilbhutani/docchat/internal/config"
	"github.com/nikhilbhutani/docchat/pkg/textextract"
)

// Tesseract runs the tesseract CLI. Scanned PDFs are first rasterised with
// pdftoppm (poppler-utils). Each Recognize call has its own timeout.
type Tesseract struct {
	binary   string
	pdftoppm string
	lang     string
	timeout  time.Duration
}

func NewTesseract(cfg config.IngestionConfig) *Tesseract {
	t := &Tesseract{
		binary:   cfg.TesseractPath,
		pdftoppm: cfg.PdftoppmPath,
		lang:     "eng",
		timeout:  cfg.OCRTimeout,
	}
	if t.binary == "" {
		t.binary = "tesseract"
	}
	if t.pdftoppm == "" {
		t.pdftoppm = "pdftoppm"
	}
	if t.timeout <= 0 {
		t.timeout = 2 * time.Minute
	}
	return t
}

func (t *Tesseract) IsAvailable() bool {
	_, err := exec.LookPath(t.binary)
	return err == nil
}

func (t *Tesseract) Recognize(ctx context.Context, data []byte, format textextract.Format) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	dir, err := os.MkdirTemp("", "docchat-ocr-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	var images []string
	switch format {
	case textextract.FormatImage:
		img := filepath.Join(dir, "input")
		if err := os.WriteFile(img, data, 0o600); err != nil {
			return "", fmt.Errorf("write image: %w", err)
		}
		images = []string{img}
	case textextract.FormatPDF:
		images, err = t.rasterize(ctx, dir, data)
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("%w: ocr for %s", textextract.ErrUnsupported, format)
	}

	var pages []string
	for _, img := range images {
		out, err := exec.CommandContext(ctx, t.binary, img, "stdout", "-l", t.lang).Output()
		if err != nil {
			return "", t.classify(ctx, "tesseract", err)
		}
		if text := strings.TrimSpace(string(out)); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

func (t *Tesseract) rasterize(ctx context.Context, dir string, data []byte) ([]string, error) {
	in := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	if err := exec.CommandContext(ctx, t.pdftoppm, "-r", "300", "-png", in, filepath.Join(dir, "page")).Run(); err != nil {
		return nil, t.classify(ctx, "pdftoppm", err)
	}
	// pdftoppm zero-pads page numbers, so lexical order is page order
	images, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	sort.Strings(images)
	return images, nil
}

// classify maps exec failures: a missing binary or an unreadable input is
// permanent, a timeout is left as a context error so the job is retried.
func (t *Tesseract) classify(ctx context.Context, tool string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", tool, ctxErr)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s is not installed", textextract.ErrCorrupt, tool)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s: %s", textextract.ErrCorrupt, tool, strings.TrimSpace(string(exitErr.Stderr)))
	}
	return fmt.Errorf("%s: %w", tool, err)
}
