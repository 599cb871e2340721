package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/examprep/backend/pkg/logger"
)

var (
	ErrInvalidURL = errors.New("invalid document url")
	ErrTooLarge   = errors.New("remote document exceeds maximum size")
)

const userAgent = "examprep-ingest/1.0"

// Client downloads exam documents and scrapes listing pages for PDF links.
type Client struct {
	httpClient *http.Client
	maxBytes   int64
}

func NewClient(timeout time.Duration, maxBytes int64) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
	}
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// Download returns the body of rawURL and a filename derived from its path.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, "", err
	}

	body, err := c.get(ctx, u.String())
	if err != nil {
		return nil, "", err
	}

	filename := path.Base(u.Path)
	if filename == "/" || filename == "." {
		filename = u.Host
	}

	logger.Info("Document downloaded",
		zap.String("url", u.String()),
		zap.String("filename", filename),
		zap.Int("bytes", len(body)),
	)

	return body, filename, nil
}

// PDFLinks returns the absolute URLs of every PDF linked from pageURL, in
// page order and without duplicates.
func (c *Client) PDFLinks(ctx context.Context, pageURL string) ([]string, error) {
	base, err := ValidateURL(pageURL)
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, base.String())
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	seen := make(map[string]bool)
	links := make([]string, 0)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}

		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		if !strings.EqualFold(path.Ext(abs.Path), ".pdf") {
			return
		}
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}

		link := abs.String()
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
	})

	logger.Info("Listing page scraped", zap.String("url", base.String()), zap.Int("pdf_links", len(links)))

	return links, nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch %s: status %d", rawURL, resp.StatusCode)
	}

	if c.maxBytes > 0 && resp.ContentLength > c.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	r := io.Reader(resp.Body)
	if c.maxBytes > 0 {
		r = io.LimitReader(resp.Body, c.maxBytes+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	if c.maxBytes > 0 && int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxBytes)
	}

	return body, nil
}
