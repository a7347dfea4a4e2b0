package services

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PageExtractor turns a raw document into its page texts in reading order.
// Any error aborts ingestion of the whole document.
type PageExtractor interface {
	ExtractPages(ctx context.Context, doc SourceDocument) ([]string, error)
}

// ExtractorsByExtension dispatches on the lower-cased file extension of the document name.
type ExtractorsByExtension map[string]PageExtractor

// DefaultExtractors handles PDFs and form-feed separated plain text.
func DefaultExtractors() ExtractorsByExtension {
	return ExtractorsByExtension{
		".pdf": PDFExtractor{},
		".txt": PlainTextExtractor{},
	}
}

// Extensions lists the extensions this set can extract.
func (m ExtractorsByExtension) Extensions() []string {
	exts := make([]string, 0, len(m))
	for ext := range m {
		exts = append(exts, ext)
	}
	return exts
}

func (m ExtractorsByExtension) ExtractPages(ctx context.Context, doc SourceDocument) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(doc.Name))
	ex, ok := m[ext]
	if !ok {
		return nil, &ExtractionError{Document: doc.Name, Err: fmt.Errorf("no extractor for extension %q", ext)}
	}
	return ex.ExtractPages(ctx, doc)
}

// PlainTextExtractor treats the form feed character as the page break.
type PlainTextExtractor struct{}

func (PlainTextExtractor) ExtractPages(_ context.Context, doc SourceDocument) ([]string, error) {
	if len(doc.Content) == 0 {
		return nil, nil
	}
	pages := strings.Split(string(doc.Content), "\f")
	if len(pages) > 1 && strings.TrimSpace(pages[len(pages)-1]) == "" {
		pages = pages[:len(pages)-1]
	}
	return pages, nil
}

// PDFExtractor reads text per page from the PDF content streams with pdfcpu.
// It recovers the text drawn by the text-showing operators; layout is
// approximated with spaces and newlines.
type PDFExtractor struct{}

func (PDFExtractor) ExtractPages(ctx context.Context, doc SourceDocument) ([]string, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(doc.Content), conf)
	if err != nil {
		return nil, &ExtractionError{Document: doc.Name, Err: fmt.Errorf("pdfcpu read: %w", err)}
	}

	pages := make([]string, 0, pdfCtx.PageCount)
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
		if err != nil {
			return nil, &ExtractionError{Document: doc.Name, Page: pageNr, Err: err}
		}
		if r == nil {
			pages = append(pages, "")
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, &ExtractionError{Document: doc.Name, Page: pageNr, Err: err}
		}
		pages = append(pages, textFromContentStream(data))
	}
	return pages, nil
}

// pdfStringRe matches PDF string operands: literal (text here) in group 1,
// hexadecimal <48656C6C6F> in group 2.
var pdfStringRe = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)|<([0-9A-Fa-f\s]*)>`)

// textOpRe matches, in stream order, the text-showing operators with their
// operands (TJ arrays, Tj / ' / " strings) and the line-moving operators.
var textOpRe = regexp.MustCompile(`(\[(?:\\.|[^\]\\])*\]\s*TJ)|((?:\((?:\\.|[^\\)])*\)|<[0-9A-Fa-f\s]*>)\s*(Tj|'|"))|(\bT[dD]\b|T\*)`)

// textFromContentStream keeps the operands of Tj, TJ, ' and " operators.
// Td, TD, T*, ' and " start a new line.
func textFromContentStream(data []byte) string {
	var sb strings.Builder
	newline := func() {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
	}
	for _, m := range textOpRe.FindAllSubmatch(data, -1) {
		switch {
		case m[1] != nil:
			for _, str := range pdfStringRe.FindAllSubmatch(m[1], -1) {
				sb.WriteString(decodeOperand(str))
			}
		case m[2] != nil:
			if op := string(m[3]); op == "'" || op == `"` {
				newline()
			}
			sb.WriteString(decodeOperand(pdfStringRe.FindSubmatch(m[2])))
		case m[4] != nil:
			newline()
		}
	}
	return strings.TrimSpace(collapseBlankLines(sb.String()))
}

func decodeOperand(m [][]byte) string {
	if m[1] != nil {
		return decodePDFString(m[1])
	}
	return decodeHexString(m[2])
}

// decodeHexString decodes a hexadecimal string operand. A missing final
// digit counts as 0. Two-byte codes are read as UTF-16BE when the string
// starts with a byte order mark or every high byte is zero, which covers
// Identity-encoded fonts whose codes match Unicode; other bytes are kept as is.
func decodeHexString(raw []byte) string {
	digits := make([]byte, 0, len(raw)+1)
	for _, c := range raw {
		if !unicode.IsSpace(rune(c)) {
			digits = append(digits, c)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	b := make([]byte, hex.DecodedLen(len(digits)))
	if _, err := hex.Decode(b, digits); err != nil {
		return ""
	}
	if len(b) >= 2 && len(b)%2 == 0 {
		bom := b[0] == 0xFE && b[1] == 0xFF
		if bom {
			b = b[2:]
		}
		wide := bom
		if !wide {
			wide = true
			for i := 0; i < len(b); i += 2 {
				if b[i] != 0 {
					wide = false
					break
				}
			}
		}
		if wide {
			units := make([]uint16, 0, len(b)/2)
			for i := 0; i+1 < len(b); i += 2 {
				units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
			}
			return string(utf16.Decode(units))
		}
	}
	return string(b)
}

// decodePDFString resolves the backslash escapes of a PDF literal string.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 >= len(raw) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case 'b', 'f':
		case '(', ')', '\\':
			sb.WriteByte(raw[i])
		default:
			if raw[i] >= '0' && raw[i] <= '7' {
				v, n := 0, 0
				for n < 3 && i < len(raw) && raw[i] >= '0' && raw[i] <= '7' {
					v = v*8 + int(raw[i]-'0')
					i++
					n++
				}
				i--
				sb.WriteByte(byte(v))
			} else {
				sb.WriteByte(raw[i])
			}
		}
	}
	return sb.String()
}

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(s string) string {
	return blankLinesRe.ReplaceAllString(s, "\n\n")
}
