package textextract

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

type Format string

const (
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatText     Format = "txt"
	FormatMarkdown Format = "md"
	FormatImage    Format = "image" // png/jpeg, OCR only
)

var (
	ErrUnsupported = errors.New("no handler for format")
	ErrCorrupt     = errors.New("unreadable content")
	// ErrNoTextLayer means the payload parsed but carries no extractable
	// text; the registry hands such payloads to OCR when one is configured.
	ErrNoTextLayer = errors.New("no text layer")
)

var aliases = map[string]Format{
	"pdf":             FormatPDF,
	"application/pdf": FormatPDF,
	"docx":            FormatDOCX,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FormatDOCX,
	"txt":           FormatText,
	"text":          FormatText,
	"text/plain":    FormatText,
	"md":            FormatMarkdown,
	"markdown":      FormatMarkdown,
	"text/markdown": FormatMarkdown,
	"png":           FormatImage,
	"jpg":           FormatImage,
	"jpeg":          FormatImage,
	"image/png":     FormatImage,
	"image/jpeg":    FormatImage,
	"image":         FormatImage,
}

// ParseFormat maps a declared format (extension, MIME type or short name)
// to a Format. When declared is empty the filename's extension is used.
func ParseFormat(declared, filename string) (Format, error) {
	key := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(key, ';'); i >= 0 {
		key = strings.TrimSpace(key[:i])
	}
	if key == "" || key == "application/octet-stream" {
		key = strings.ToLower(filepath.Ext(filename))
	}
	key = strings.TrimPrefix(key, ".")
	if f, ok := aliases[key]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupported, key)
}

// Sniff guesses the format from the payload itself. It returns "" when the
// content is not recognised.
func Sniff(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return FormatPDF
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		if bytes.Contains(data, []byte("word/document.xml")) {
			return FormatDOCX
		}
		return ""
	}
	switch ct := http.DetectContentType(data); {
	case ct == "image/png", ct == "image/jpeg":
		return FormatImage
	case strings.HasPrefix(ct, "text/plain"):
		return FormatText
	}
	return ""
}

// Resolve picks the format for an upload: the declared format or filename
// first, then the content itself.
func Resolve(declared, filename string, data []byte) (Format, error) {
	f, err := ParseFormat(declared, filename)
	if err == nil {
		return f, nil
	}
	if sniffed := Sniff(data); sniffed != "" {
		return sniffed, nil
	}
	return "", err
}

func (f Format) String() string { return string(f) }
