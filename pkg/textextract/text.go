package textextract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type PlainTextHandler struct{}

func (PlainTextHandler) Format() Format { return FormatText }

func (PlainTextHandler) Extract(_ context.Context, data []byte) (string, error) {
	return decodeText(data)
}

// MarkdownHandler strips markdown syntax so chunks carry prose rather than
// markup.
type MarkdownHandler struct{}

func (MarkdownHandler) Format() Format { return FormatMarkdown }

func (MarkdownHandler) Extract(_ context.Context, data []byte) (string, error) {
	src, err := decodeText(data)
	if err != nil {
		return "", err
	}
	source := []byte(src)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var sb strings.Builder
	blockBreak := func() {
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n\n") {
			sb.WriteString("\n\n")
		}
	}
	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				sb.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					sb.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				sb.Write(node.Value)
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if !entering {
				blockBreak()
				return ast.WalkContinue, nil
			}
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(source))
			}
			return ast.WalkSkipChildren, nil
		default:
			if !entering && n.Type() == ast.TypeBlock {
				blockBreak()
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: markdown: %v", ErrCorrupt, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// ImageHandler never has a text layer; images are read by OCR only.
type ImageHandler struct{}

func (ImageHandler) Format() Format { return FormatImage }

func (ImageHandler) Extract(context.Context, []byte) (string, error) {
	return "", ErrNoTextLayer
}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if bytes.IndexByte(data, 0) >= 0 {
		return "", fmt.Errorf("%w: binary content in text file", ErrCorrupt)
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}
