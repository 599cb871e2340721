package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examprep/backend/internal/llm"
	"github.com/examprep/backend/internal/marking"
	"github.com/examprep/backend/internal/retrieval"
	"github.com/examprep/backend/internal/storage/models"
)

type fakeRetriever struct {
	result retrieval.Result
	err    error
	got    retrieval.Request
}

func (f *fakeRetriever) Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Result, error) {
	f.got = req
	return f.result, f.err
}

type fakeMarker struct {
	feedback *marking.Feedback
	err      error
	got      marking.Request
}

func (f *fakeMarker) Mark(ctx context.Context, req marking.Request) (*marking.Feedback, error) {
	f.got = req
	return f.feedback, f.err
}

func queryApp(r Retriever, m Marker) *fiber.App {
	h := NewQueryHandler(r, m)
	app := fiber.New()
	app.Post("/api/v1/retrieve", h.Retrieve)
	app.Post("/api/v1/mark", h.Mark)
	return app
}

func TestRetrieve(t *testing.T) {
	r := &fakeRetriever{result: retrieval.Result{
		Context: "M1 A1",
		Source:  retrieval.SourceVector,
		Matches: []models.RankedChunk{{ID: "c1", Content: "M1 A1", Similarity: 0.91}},
	}}
	app := queryApp(r, &fakeMarker{})

	req := httptest.NewRequest("POST", "/api/v1/retrieve",
		strings.NewReader(`{"query":" chain rule ","subject":"maths","level":"a-level","year":2022,"top_k":3}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "M1 A1", body["context"])
	assert.Equal(t, "vector", body["source"])

	assert.Equal(t, "chain rule", r.got.Query)
	assert.Equal(t, models.SubjectMaths, r.got.Subject)
	assert.Equal(t, 3, r.got.TopK)
	require.NotNil(t, r.got.Year)
	assert.Equal(t, 2022, *r.got.Year)
}

func TestRetrieveErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"Invalid request", fmt.Errorf("%w: unknown subject", retrieval.ErrInvalidRequest), fiber.StatusBadRequest},
		{"Cancelled", context.Canceled, fiber.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := queryApp(&fakeRetriever{err: tt.err}, &fakeMarker{})
			req := httptest.NewRequest("POST", "/api/v1/retrieve", strings.NewReader(`{"query":"q"}`))
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestMark(t *testing.T) {
	m := &fakeMarker{feedback: &marking.Feedback{
		Feedback:      "2/3: method correct, final value wrong",
		ContextSource: retrieval.SourceFallback,
		ContextChunks: 2,
		Usage:         llm.Usage{TotalTokens: 321},
	}}
	app := queryApp(&fakeRetriever{}, m)

	req := httptest.NewRequest("POST", "/api/v1/mark",
		strings.NewReader(`{"question":"Differentiate x^2","answer":"2x\u0000","subject":"maths","level":"gcse","max_marks":3}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "fallback", body["context_source"])
	assert.Equal(t, float64(2), body["context_chunks"])

	assert.Equal(t, "2x", m.got.Answer)
	assert.Equal(t, 3, m.got.MaxMarks)
	assert.Equal(t, models.LevelGCSE, m.got.Level)
}

func TestMarkErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"Invalid request", fmt.Errorf("%w: answer required", marking.ErrInvalidRequest), fiber.StatusBadRequest},
		{"Completion failure", errors.New("provider down"), fiber.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := queryApp(&fakeRetriever{}, &fakeMarker{err: tt.err})
			req := httptest.NewRequest("POST", "/api/v1/mark", strings.NewReader(`{"question":"q","answer":"a"}`))
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
