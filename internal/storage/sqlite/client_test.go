package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examprep/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.InitSchema())
	require.NoError(t, c.InitSchema())
	return c
}

func TestIngestionLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	year := 2019
	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	rec := &models.IngestionRecord{
		ID:        "ing-1",
		Filename:  "9709_s19_ms_12.pdf",
		Subject:   models.SubjectMaths,
		Level:     models.LevelALevel,
		Year:      &year,
		Type:      models.DocTypeMarkscheme,
		Status:    models.IngestionRunning,
		StartedAt: started,
	}
	require.NoError(t, c.StartIngestion(ctx, rec))

	got, err := c.GetIngestion(ctx, "ing-1")
	require.NoError(t, err)
	assert.Equal(t, models.IngestionRunning, got.Status)
	assert.Nil(t, got.FinishedAt)
	require.NotNil(t, got.Year)
	assert.Equal(t, 2019, *got.Year)
	assert.True(t, started.Equal(got.StartedAt))

	finished := started.Add(3 * time.Second)
	rec.Status = models.IngestionDone
	rec.ChunkCount = 42
	rec.Replaced = true
	rec.FinishedAt = &finished
	require.NoError(t, c.FinishIngestion(ctx, rec))

	got, err = c.GetIngestion(ctx, "ing-1")
	require.NoError(t, err)
	assert.Equal(t, models.IngestionDone, got.Status)
	assert.Equal(t, 42, got.ChunkCount)
	assert.True(t, got.Replaced)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))
}

func TestFinishUnknownIngestion(t *testing.T) {
	c := newTestClient(t)
	err := c.FinishIngestion(context.Background(), &models.IngestionRecord{ID: "nope", Status: models.IngestionFailed})
	assert.Error(t, err)
}

func TestListIngestions(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	for i, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		require.NoError(t, c.StartIngestion(ctx, &models.IngestionRecord{
			ID:        name,
			Filename:  name,
			Subject:   models.SubjectPhysics,
			Level:     models.LevelGCSE,
			Type:      models.DocTypePaper,
			Status:    models.IngestionRunning,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, c.FinishIngestion(ctx, &models.IngestionRecord{
		ID:     "b.pdf",
		Status: models.IngestionFailed,
		Error:  "empty document",
	}))

	got, err := c.ListIngestions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c.pdf", got[0].Filename)
	assert.Equal(t, "b.pdf", got[1].Filename)
	assert.Equal(t, models.IngestionFailed, got[1].Status)
	assert.Equal(t, "empty document", got[1].Error)
	assert.Nil(t, got[1].Year)

	empty := newTestClient(t)
	got, err = empty.ListIngestions(ctx, 10)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
