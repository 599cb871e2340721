package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
)

var (
	// ErrEmptyDocument is returned when a document yields no text after trimming.
	ErrEmptyDocument = errors.New("document contains no extractable text")
	// ErrUnsupportedFormat is returned for content that is not PDF, HTML or plain text.
	ErrUnsupportedFormat = errors.New("unsupported document format")
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
	FormatText Format = "text"
)

var whitespace = regexp.MustCompile(`\s+`)

// Extractor turns raw upload bytes into a single plain-text string.
type Extractor struct{}

func New() *Extractor {
	return &Extractor{}
}

// Detect sniffs the format from content, never from the filename.
func Detect(data []byte) (Format, error) {
	if bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF-")) {
		return FormatPDF, nil
	}

	contentType := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(contentType, "text/html"):
		return FormatHTML, nil
	case strings.HasPrefix(contentType, "text/plain"):
		if utf8.Valid(data) {
			return FormatText, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, contentType)
}

// Extract returns the document text with pages merged and whitespace collapsed.
func (e *Extractor) Extract(data []byte) (string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return "", ErrEmptyDocument
	}

	format, err := Detect(data)
	if err != nil {
		return "", err
	}

	var text string
	switch format {
	case FormatPDF:
		text, err = extractPDF(data)
	case FormatHTML:
		text, err = extractHTML(data)
	default:
		text = string(data)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	if text == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}

func extractPDF(data []byte) (text string, err error) {
	// The PDF reader panics on some malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("failed to parse PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract PDF text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("failed to read PDF text: %w", err)
	}
	return buf.String(), nil
}

func extractHTML(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, nav, footer, header, aside, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	return doc.Find("body").Text(), nil
}
