package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "photos", cfg.Store.Collection)
	assert.Equal(t, "cosine", cfg.Store.Metric)
	assert.Equal(t, 512, cfg.Model.Dimension)
	assert.Equal(t, 77, cfg.Tokenizer.MaxLength)
	assert.Equal(t, "greedy-char", cfg.Tokenizer.Fallback)
	assert.Equal(t, 5*time.Second, cfg.Search.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Store.BreakerReset)
	assert.Zero(t, cfg.Ingest.FetchRate)
	assert.Equal(t, 8, cfg.Ingest.FetchBurst)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PHOTOS_STORE_COLLECTION", "weddings")
	t.Setenv("PHOTOS_MODEL_DIMENSION", "768")
	t.Setenv("PHOTOS_STORE_METRIC", "dot")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "weddings", cfg.Store.Collection)
	assert.Equal(t, 768, cfg.Model.Dimension)
	assert.Equal(t, "dot", cfg.Store.Metric)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PHOTOS_TOKENIZER_FALLBACK=compound-split\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("PHOTOS_TOKENIZER_FALLBACK") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "compound-split", cfg.Tokenizer.Fallback)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: memory
  metric: euclidean
model:
  dimension: 1024
blob:
  backend: s3
  bucket: wedding-photos
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "euclidean", cfg.Store.Metric)
	assert.Equal(t, 1024, cfg.Model.Dimension)
	assert.Equal(t, "wedding-photos", cfg.Blob.Bucket)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	chdirTemp(t)
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestValidate_RejectsBadCombinations(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PHOTOS_MODEL_DIMENSION", "300")
	t.Setenv("PHOTOS_STORE_METRIC", "manhattan")
	t.Setenv("PHOTOS_TOKENIZER_FALLBACK", "magic")
	t.Setenv("PHOTOS_INGEST_FETCH_RATE", "-1")

	_, err := Load("")
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "model.dimension 300")
	assert.Contains(t, msg, `store.metric "manhattan"`)
	assert.Contains(t, msg, `tokenizer.fallback "magic"`)
	assert.Contains(t, msg, "ingest.fetch_rate must not be negative")
}

func TestValidate_BackendRequirements(t *testing.T) {
	chdirTemp(t)
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Blob.Backend = "s3"
	cfg.Blob.Bucket = ""
	assert.ErrorContains(t, cfg.Validate(), "blob.bucket is required")

	cfg.Blob.Backend = "ftp"
	assert.ErrorContains(t, cfg.Validate(), `blob.backend "ftp"`)

	cfg.Blob.Backend = "dir"
	cfg.Store.Backend = "qdrant"
	cfg.Store.QdrantAddr = ""
	assert.ErrorContains(t, cfg.Validate(), "store.qdrant_addr is required")
}
