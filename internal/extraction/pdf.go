package extraction

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF reads raw in process, one page at a time. Pages without a
// content stream come back as empty strings so page numbers stay aligned.
func extractPDF(raw []byte) (res Result, err error) {
	// The reader panics on some damaged cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			res, err = Result{}, fmt.Errorf("%w: pdf: %v", ErrMalformedDocument, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	n := r.NumPage()
	if n == 0 {
		return Result{}, fmt.Errorf("%w: pdf has no pages", ErrMalformedDocument)
	}
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return Result{}, fmt.Errorf("%w: page %d: %v", ErrMalformedDocument, i, err)
		}
		pages = append(pages, strings.TrimSpace(decodeText([]byte(text))))
	}
	return Result{Text: strings.Join(pages, "\n\n"), Pages: pages}, nil
}
