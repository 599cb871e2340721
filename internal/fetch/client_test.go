package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/papers/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a href="9709_s23_qp_12.pdf">QP</a>
			<a href="/ms/9709_s23_ms_12.PDF#page=2">MS</a>
			<a href="9709_s23_qp_12.pdf">QP again</a>
			<a href="syllabus.html">Syllabus</a>
			<a href="mailto:exams@example.com">Mail</a>
		</body></html>`)
	})
	mux.HandleFunc("/ms/9709_s23_ms_12.PDF", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		w.Write([]byte("%PDF-1.4 mark scheme"))
	})
	mux.HandleFunc("/big.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		raw   string
		valid bool
	}{
		{"https://example.com/a.pdf", true},
		{" http://example.com ", true},
		{"ftp://example.com/a.pdf", false},
		{"/relative/a.pdf", false},
		{"https://", false},
		{"::", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			_, err := ValidateURL(tt.raw)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidURL)
			}
		})
	}
}

func TestDownload(t *testing.T) {
	srv := newServer(t)
	c := NewClient(time.Second, 32)

	data, name, err := c.Download(context.Background(), srv.URL+"/ms/9709_s23_ms_12.PDF")
	require.NoError(t, err)
	assert.Equal(t, "9709_s23_ms_12.PDF", name)
	assert.Equal(t, "%PDF-1.4 mark scheme", string(data))

	_, _, err = c.Download(context.Background(), srv.URL+"/big.pdf")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, _, err = c.Download(context.Background(), srv.URL+"/missing.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestPDFLinks(t *testing.T) {
	srv := newServer(t)

	links, err := NewClient(time.Second, 0).PDFLinks(context.Background(), srv.URL+"/papers/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		srv.URL + "/papers/9709_s23_qp_12.pdf",
		srv.URL + "/ms/9709_s23_ms_12.PDF",
	}, links)
}
