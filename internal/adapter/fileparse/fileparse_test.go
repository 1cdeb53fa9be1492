package fileparse_test

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirelens/pipeline/internal/adapter/fileparse"
	"github.com/hirelens/pipeline/internal/domain"
)

func TestExtractText_PlainText(t *testing.T) {
	t.Parallel()
	text, ct, err := fileparse.ExtractText([]byte("Jane Doe\nGo developer since 2018.\n"))
	require.NoError(t, err)
	assert.Contains(t, ct, "text/plain")
	assert.Contains(t, text, "Go developer")
}

func TestExtractText_PDF(t *testing.T) {
	t.Parallel()
	pdf := []byte("%PDF-1.4\n1 0 obj\n<< /Length 60 >>\nstream\nBT /F1 12 Tf (Jane Doe) Tj (Go developer) Tj ET\nendstream\nendobj\ntrailer\n%%EOF\n")
	text, ct, err := fileparse.ExtractText(pdf)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", ct)
	assert.Contains(t, text, "Jane Doe")
	assert.Contains(t, text, "Go developer")
}

func TestExtractText_DOCX(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("[Content_Types].xml")
	require.NoError(t, err)
	_, _ = w.Write([]byte(`<?xml version="1.0"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Default Extension="xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/></Types>`))
	w, err = zw.Create("word/document.xml")
	require.NoError(t, err)
	_, _ = w.Write([]byte(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>Jane Doe</w:t></w:r></w:p><w:p><w:r><w:t>Ten years of Go</w:t></w:r></w:p></w:body></w:document>`))
	require.NoError(t, zw.Close())

	text, _, err := fileparse.ExtractText(buf.Bytes())
	require.NoError(t, err)
	assert.Contains(t, text, "Jane Doe")
	assert.Contains(t, text, "Ten years of Go")
}

func TestExtractText_UnsupportedFormat(t *testing.T) {
	t.Parallel()
	// PNG magic bytes
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}
	_, ct, err := fileparse.ExtractText(png)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPermanent)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, domain.FailurePermanent, domain.Classify(err))
}

func TestExtractText_EmptyText(t *testing.T) {
	t.Parallel()
	_, _, err := fileparse.ExtractText([]byte("   \n\t  "))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPermanent)
}

func TestSupported(t *testing.T) {
	t.Parallel()
	assert.True(t, fileparse.Supported("application/pdf"))
	assert.True(t, fileparse.Supported("text/plain; charset=utf-8"))
	assert.False(t, fileparse.Supported("image/png"))
}
