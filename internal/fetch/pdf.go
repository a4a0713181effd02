package fetch

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF pulls plain text out of a PDF document. Row-ordered extraction
// is tried per page first since it preserves reading order; pages where that
// fails fall back to the page's plain text, and an empty total falls back to
// the whole-document text stream.
func extractPDF(data []byte) (text string, err error) {
	// ledongthuc/pdf panics on some malformed files; treat that as a parse error.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parse: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf open: %w", err)
	}

	var b strings.Builder
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		p := reader.Page(pageNum)
		if p.V.IsNull() {
			continue
		}

		rows, rerr := p.GetTextByRow()
		if rerr == nil && len(rows) > 0 {
			for _, row := range rows {
				for i, piece := range row.Content {
					if i > 0 {
						b.WriteByte(' ')
					}
					b.WriteString(piece.S)
				}
				b.WriteByte('\n')
			}
			continue
		}

		if pageText, perr := p.GetPlainText(nil); perr == nil {
			b.WriteString(pageText)
			b.WriteByte('\n')
		}
	}

	text = strings.TrimSpace(b.String())
	if text == "" {
		plain, perr := reader.GetPlainText()
		if perr != nil {
			return "", fmt.Errorf("pdf text: %w", perr)
		}
		raw, rerr := io.ReadAll(plain)
		if rerr != nil {
			return "", fmt.Errorf("pdf text: %w", rerr)
		}
		text = strings.TrimSpace(string(raw))
	}

	if text == "" {
		return "", fmt.Errorf("pdf contains no extractable text")
	}
	return text, nil
}
