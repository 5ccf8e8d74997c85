// Package extraction turns uploaded document bytes into plain text.
//
// The extractor is picked by file extension:
//
//	.txt, .md     UTF-8 text (BOM stripped, invalid sequences replaced)
//	.html, .htm   visible text with block structure kept as newlines
//	.docx         paragraphs of word/document.xml
//	.pdf          text of each page, read in process
//
// Extraction never decides whether the text is useful; an empty Result is
// returned as-is and the version store rejects it.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned for extensions with no extractor.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrMalformedDocument is returned when a container format cannot be parsed.
	ErrMalformedDocument = errors.New("malformed document")
)

// Result is the text of one document.
type Result struct {
	// Text is the whole document.
	Text string
	// Pages holds per-page text when the format has pages (PDF only).
	Pages []string
}

// Empty reports whether the result holds no visible text.
func (r Result) Empty() bool {
	if strings.TrimSpace(r.Text) != "" {
		return false
	}
	for _, p := range r.Pages {
		if strings.TrimSpace(p) != "" {
			return false
		}
	}
	return true
}

// Extractor dispatches on file extension. It holds no state and is safe
// for concurrent use.
type Extractor struct{}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Supported reports whether filename has an extractor.
func Supported(filename string) bool {
	switch ext(filename) {
	case ".txt", ".md", ".html", ".htm", ".docx", ".pdf":
		return true
	}
	return false
}

// Extract returns the text of raw, interpreted by the extension of filename.
func (e *Extractor) Extract(ctx context.Context, filename string, raw []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	switch ext(filename) {
	case ".txt", ".md":
		return Result{Text: decodeText(raw)}, nil
	case ".html", ".htm":
		return Result{Text: stripHTML(decodeText(raw))}, nil
	case ".docx":
		text, err := extractDOCX(raw)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: text}, nil
	case ".pdf":
		return extractPDF(raw)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filename)
	}
}

func ext(filename string) string {
	return strings.ToLower(path.Ext(filename))
}
