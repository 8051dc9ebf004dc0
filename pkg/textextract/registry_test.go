package textextract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOCR struct {
	text  string
	err   error
	calls int
}

func (f *fakeOCR) Recognize(_ context.Context, _ []byte, _ Format) (string, error) {
	f.calls++
	return f.text, f.err
}

func docx(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` + body + `</w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"pdf":             FormatPDF,
		".PDF":            FormatPDF,
		"application/pdf": FormatPDF,
		"text/plain; charset=utf-8": FormatText,
		"markdown":                  FormatMarkdown,
		"image/jpeg":                FormatImage,
	}
	for declared, want := range cases {
		got, err := ParseFormat(declared, "")
		require.NoError(t, err, declared)
		assert.Equal(t, want, got, declared)
	}

	got, err := ParseFormat("", "notes.md")
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, got)

	_, err = ParseFormat("xlsx", "sheet.xlsx")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestResolve_FallsBackToSniffing(t *testing.T) {
	f, err := Resolve("", "upload", []byte("%PDF-1.7 ..."))
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, f)

	f, err = Resolve("application/octet-stream", "blob", docx(t, ""))
	require.NoError(t, err)
	assert.Equal(t, FormatDOCX, f)

	_, err = Resolve("", "blob.bin", []byte{0x00, 0x01, 0x02, 0xff})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestRegistry_PlainTextAndMarkdown(t *testing.T) {
	r := DefaultRegistry()

	got, err := r.Extract(context.Background(), FormatText, []byte("\xEF\xBB\xBFhello world"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)

	md := "# Quarterly Report\n\nRevenue grew by **12%** this quarter.\n\n- north region\n- south region\n\n```\ncode stays\n```\n"
	got, err = r.Extract(context.Background(), FormatMarkdown, []byte(md))
	require.NoError(t, err)
	assert.Contains(t, got, "Quarterly Report")
	assert.Contains(t, got, "Revenue grew by 12% this quarter.")
	assert.Contains(t, got, "north region")
	assert.Contains(t, got, "code stays")
	assert.NotContains(t, got, "**")
	assert.NotContains(t, got, "#")
}

func TestRegistry_DOCX(t *testing.T) {
	data := docx(t, `<w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p><w:p><w:r><w:t>Second</w:t><w:tab/><w:t>line.</w:t></w:r></w:p>`)

	got, err := DefaultRegistry().Extract(context.Background(), FormatDOCX, data)
	require.NoError(t, err)
	assert.Equal(t, "First paragraph.\nSecond\tline.\n", got)
}

func TestRegistry_PermanentFailures(t *testing.T) {
	r := DefaultRegistry()
	ctx := context.Background()

	_, err := r.Extract(ctx, Format("xlsx"), []byte("data"))
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = r.Extract(ctx, FormatDOCX, []byte("not a zip"))
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = r.Extract(ctx, FormatPDF, []byte("%PDF-1.4 truncated garbage"))
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = r.Extract(ctx, FormatText, []byte("   \n "))
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = r.Extract(ctx, FormatText, nil)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRegistry_OCRFallback(t *testing.T) {
	ctx := context.Background()
	png := []byte("\x89PNG\r\n\x1a\n....")

	_, err := DefaultRegistry().Extract(ctx, FormatImage, png)
	assert.ErrorIs(t, err, ErrCorrupt, "no OCR configured")

	ocr := &fakeOCR{text: "scanned words"}
	got, err := DefaultRegistry().WithOCR(ocr).Extract(ctx, FormatImage, png)
	require.NoError(t, err)
	assert.Equal(t, "scanned words", got)
	assert.Equal(t, 1, ocr.calls)

	empty := &fakeOCR{text: "  "}
	_, err = DefaultRegistry().WithOCR(empty).Extract(ctx, FormatImage, png)
	assert.ErrorIs(t, err, ErrCorrupt)

	boom := errors.New("tesseract timed out")
	_, err = DefaultRegistry().WithOCR(&fakeOCR{err: boom}).Extract(ctx, FormatImage, png)
	assert.ErrorIs(t, err, boom)

	// text formats never go to OCR
	txtOCR := &fakeOCR{text: "unused"}
	_, err = DefaultRegistry().WithOCR(txtOCR).Extract(ctx, FormatText, []byte(" "))
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Zero(t, txtOCR.calls)
}
