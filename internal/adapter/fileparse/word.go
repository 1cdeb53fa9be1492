package fileparse

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/hirelens/pipeline/internal/domain"
)

// readDOCX unzips the OOXML package and walks word/document.xml, collecting
// character data inside w:t runs and inserting newlines at paragraph ends.
func readDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %v: %w", err, domain.ErrPermanent)
	}
	var doc io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc, err = f.Open()
			if err != nil {
				return "", fmt.Errorf("open document.xml: %w", err)
			}
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("docx without document.xml: %w", domain.ErrPermanent)
	}
	defer func() { _ = doc.Close() }()

	dec := xml.NewDecoder(io.LimitReader(doc, 32<<20))
	var sb strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("decode document.xml: %v: %w", err, domain.ErrPermanent)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}

// readDOC pulls printable character runs out of the legacy binary format.
// Crude, but the alternative is shipping an OLE2 parser for a format resumes
// rarely arrive in anymore.
func readDOC(data []byte) (string, error) {
	var sb strings.Builder
	var run []rune
	flush := func() {
		if len(run) >= 4 {
			sb.WriteString(string(run))
			sb.WriteByte(' ')
		}
		run = run[:0]
	}
	for _, r := range string(data) {
		if r == unicode.ReplacementChar || (!unicode.IsPrint(r) && r != '\n' && r != '\t') {
			flush()
			continue
		}
		run = append(run, r)
	}
	flush()
	return sb.String(), nil
}
