package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("OPENAI_API_KEY", "")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 1000, cfg.Chunking.Size)
		assert.Equal(t, 200, cfg.Chunking.Overlap)
		assert.Equal(t, 1536, cfg.Embedding.Dimension)
		assert.Equal(t, 500, cfg.Embedding.MaxBatchSize)
		assert.Equal(t, 200, cfg.Vector.InsertBatchSize)
		assert.InDelta(t, 0.70, cfg.Vector.MatchThreshold, 1e-9)
		assert.Equal(t, "pgvector", cfg.Vector.Backend)
		assert.Equal(t, 5, cfg.Retrieval.TopK)
		assert.Equal(t, "markscheme", cfg.Retrieval.DefaultType)
		assert.Equal(t, 10*time.Minute, cfg.Retrieval.ContextCacheTTL)
		assert.True(t, cfg.Ingestion.SerializeSameKey)
	})

	t.Run("Environment overrides file", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		yaml := "chunking:\n  size: 500\n  overlap: 100\nvector:\n  backend: memory\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

		t.Setenv("EXAMPREP_CHUNKING_OVERLAP", "50")
		t.Setenv("OPENAI_API_KEY", "sk-test")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 500, cfg.Chunking.Size)
		assert.Equal(t, 50, cfg.Chunking.Overlap)
		assert.Equal(t, "memory", cfg.Vector.Backend)
		assert.Equal(t, "sk-test", cfg.LLM.APIKey)
		assert.Equal(t, "sk-test", cfg.Embedding.APIKey, "Expected the embedding key to fall back to the LLM key")
	})

	t.Run("Reads dotenv file", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("EXAMPREP_RETRIEVAL_TOPK=8\n"), 0o644))
		t.Cleanup(func() { os.Unsetenv("EXAMPREP_RETRIEVAL_TOPK") })

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Retrieval.TopK)
	})

	t.Run("Rejects invalid file values", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		yaml := "chunking:\n  size: 100\n  overlap: 100\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

		_, err := Load()
		assert.ErrorContains(t, err, "chunking.overlap")
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Embedding: EmbeddingConfig{Dimension: 1536, MaxBatchSize: 500},
			Vector:    VectorConfig{Backend: "memory", InsertBatchSize: 200, MatchThreshold: 0.7},
			Chunking:  ChunkingConfig{Size: 1000, Overlap: 200},
			Retrieval: RetrievalConfig{TopK: 5},
		}
	}

	base := valid()
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"overlap equal to size", func(c *Config) { c.Chunking.Overlap = 1000 }, "chunking.overlap"},
		{"negative overlap", func(c *Config) { c.Chunking.Overlap = -1 }, "chunking.overlap"},
		{"zero size", func(c *Config) { c.Chunking.Size = 0 }, "chunking.size"},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }, "embedding.dimension"},
		{"threshold above one", func(c *Config) { c.Vector.MatchThreshold = 1.5 }, "vector.matchThreshold"},
		{"threshold below zero", func(c *Config) { c.Vector.MatchThreshold = -0.1 }, "vector.matchThreshold"},
		{"unknown backend", func(c *Config) { c.Vector.Backend = "faiss" }, "vector.backend"},
		{"zero topK", func(c *Config) { c.Retrieval.TopK = 0 }, "retrieval.topK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}
