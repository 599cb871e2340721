package extract

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPDF writes a minimal single-font PDF with one text line per page.
func buildPDF(t *testing.T, pages ...string) []byte {
	t.Helper()

	var objects []string
	pageCount := len(pages)
	fontObj := 3 + 2*pageCount

	kids := ""
	for i := range pages {
		kids += fmt.Sprintf("%d 0 R ", 3+2*i)
	}
	objects = append(objects,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pageCount),
	)
	for i, text := range pages {
		content := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", text)
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents %d 0 R /Resources << /Font << /F1 %d 0 R >> >> >>", 4+2*i, fontObj),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}
	objects = append(objects, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Format
	}{
		{"pdf", []byte("%PDF-1.4\n..."), FormatPDF},
		{"html", []byte("<!DOCTYPE html><html><body>x</body></html>"), FormatHTML},
		{"text", []byte("Question 1 (a) Differentiate y = x^2."), FormatText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Detect([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExtract(t *testing.T) {
	e := New()

	t.Run("PDF pages are merged without markers", func(t *testing.T) {
		data := buildPDF(t, "Award 1 mark for correct gradient", "Award 2 marks for the final answer")

		text, err := e.Extract(data)
		require.NoError(t, err)
		assert.Contains(t, text, "Award 1 mark for correct gradient")
		assert.Contains(t, text, "Award 2 marks for the final answer")
		assert.NotContains(t, text, "\n")
	})

	t.Run("HTML drops scripts and navigation", func(t *testing.T) {
		html := `<html><head><title>MS</title><script>var x = 1;</script></head>
			<body><nav>Home | Papers</nav><p>M1 for  method</p>
			<p>A1   cao</p></body></html>`

		text, err := e.Extract([]byte(html))
		require.NoError(t, err)
		assert.Equal(t, "M1 for method A1 cao", text)
	})

	t.Run("Plain text whitespace is collapsed", func(t *testing.T) {
		text, err := e.Extract([]byte("  B1 for\n\n correct   units \t"))
		require.NoError(t, err)
		assert.Equal(t, "B1 for correct units", text)
	})

	t.Run("Empty and whitespace-only documents are rejected", func(t *testing.T) {
		for _, data := range [][]byte{nil, []byte("   \n\t  ")} {
			_, err := e.Extract(data)
			assert.ErrorIs(t, err, ErrEmptyDocument)
		}
	})

	t.Run("HTML with no body text is empty", func(t *testing.T) {
		_, err := e.Extract([]byte("<html><body><script>track()</script></body></html>"))
		assert.ErrorIs(t, err, ErrEmptyDocument)
	})

	t.Run("PDF with blank pages is empty", func(t *testing.T) {
		_, err := e.Extract(buildPDF(t, " ", " "))
		assert.ErrorIs(t, err, ErrEmptyDocument)
	})

	t.Run("Truncated PDF fails", func(t *testing.T) {
		data := buildPDF(t, "hello")
		_, err := e.Extract(data[:len(data)/2])
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrEmptyDocument)
	})
}
