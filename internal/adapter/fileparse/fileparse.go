// Package fileparse turns uploaded resume blobs into plain text. Dispatch is
// a small registry keyed by the sniffed content type, never the file
// extension. Unsupported formats are permanent failures.
package fileparse

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"

	"github.com/hirelens/pipeline/internal/domain"
	"github.com/hirelens/pipeline/pkg/textx"
)

// Reader extracts plain text from one file format.
type Reader func(data []byte) (string, error)

var readers = map[string]Reader{
	"application/pdf":    readPDF,
	"application/msword": readDOC,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": readDOCX,
	"text/plain": readTXT,
}

// Detect sniffs the content type from magic bytes.
func Detect(data []byte) string {
	return mimetype.Detect(data).String()
}

// Supported reports whether contentType has a registered reader.
func Supported(contentType string) bool {
	_, ok := readers[baseType(contentType)]
	return ok
}

// ExtractText sniffs data and runs the matching reader. The result is
// sanitized; an empty result is a permanent failure since the LLM would only
// hallucinate on it.
func ExtractText(data []byte) (text, contentType string, err error) {
	mt := mimetype.Detect(data)
	reader, ok := readers[baseType(mt.String())]
	if !ok {
		return "", mt.String(), fmt.Errorf("op=fileparse.extract type=%s: unsupported format: %w", mt.String(), domain.ErrPermanent)
	}
	raw, err := reader(data)
	if err != nil {
		return "", mt.String(), fmt.Errorf("op=fileparse.extract type=%s: %w", mt.String(), err)
	}
	out := textx.SanitizeText(raw)
	if out == "" {
		return "", mt.String(), fmt.Errorf("op=fileparse.extract type=%s: no text content: %w", mt.String(), domain.ErrPermanent)
	}
	return out, mt.String(), nil
}

// baseType strips parameters like "; charset=utf-8".
func baseType(ct string) string {
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			return ct[:i]
		}
	}
	return ct
}

func readTXT(data []byte) (string, error) { return string(data), nil }
