package fileparse

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/hirelens/pipeline/internal/domain"
)

// Best-effort PDF text extraction: decompress FlateDecode content streams
// and collect the string operands of Tj/TJ operators. Handles the text-based
// PDFs that resume builders emit; scanned image PDFs yield no text and fail
// as permanent upstream.

var (
	pdfStreamRe = regexp.MustCompile(`(?s)stream\r?\n(.*?)endstream`)
	pdfTextRe   = regexp.MustCompile(`\(((?:\\.|[^\\()])*)\)\s*T[jJ]|\(((?:\\.|[^\\()])*)\)`)
)

func readPDF(data []byte) (string, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return "", fmt.Errorf("missing pdf header: %w", domain.ErrPermanent)
	}
	var sb strings.Builder
	for _, m := range pdfStreamRe.FindAllSubmatch(data, -1) {
		content := m[1]
		if inflated, err := inflate(content); err == nil {
			content = inflated
		}
		if !bytes.Contains(content, []byte("BT")) {
			continue
		}
		for _, tm := range pdfTextRe.FindAllSubmatch(content, -1) {
			lit := tm[1]
			if len(lit) == 0 {
				lit = tm[2]
			}
			if len(lit) == 0 {
				continue
			}
			sb.Write(unescapePDF(lit))
			sb.WriteByte(' ')
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(io.LimitReader(zr, 32<<20))
}

func unescapePDF(lit []byte) []byte {
	out := make([]byte, 0, len(lit))
	for i := 0; i < len(lit); i++ {
		c := lit[i]
		if c != '\\' || i+1 >= len(lit) {
			out = append(out, c)
			continue
		}
		i++
		switch lit[i] {
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case '(', ')', '\\':
			out = append(out, lit[i])
		default:
			out = append(out, lit[i])
		}
	}
	return out
}
