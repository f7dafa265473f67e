package tokenizer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/WessleyAI/wessley-photos/engine/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAssets(t *testing.T, vocab Vocabulary, merges string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	vp := filepath.Join(dir, "vocab.json")
	mp := filepath.Join(dir, "merges.txt")
	data, err := json.Marshal(vocab)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(vp, data, 0o644))
	require.NoError(t, os.WriteFile(mp, []byte(merges), 0o644))
	return vp, mp
}

const testMergesFile = "#version: 0.2\no g</w>\nd og</w>\nc a\n\nca t</w>\r\nd o\n"

func TestParseMerges(t *testing.T) {
	m, err := ParseMerges(strings.NewReader(testMergesFile))
	require.NoError(t, err)
	assert.Equal(t, testMerges(), m)
}

func TestParseMerges_Malformed(t *testing.T) {
	_, err := ParseMerges(strings.NewReader("#h\na b c\n"))
	assert.ErrorIs(t, err, domain.ErrMalformedAsset)

	_, err = ParseMerges(strings.NewReader("#only a header\n"))
	assert.ErrorIs(t, err, domain.ErrMalformedAsset)
}

func TestParseMerges_HeaderOnlyOnFirstLine(t *testing.T) {
	_, err := ParseMerges(strings.NewReader("a b\n#not a header\n"))
	assert.Error(t, err)
}

func TestParseVocabulary(t *testing.T) {
	v, err := ParseVocabulary(strings.NewReader(`{"a": 0, "b</w>": 1}`))
	require.NoError(t, err)
	assert.Equal(t, Vocabulary{"a": 0, "b</w>": 1}, v)

	_, err = ParseVocabulary(strings.NewReader(`{"a": -1}`))
	assert.ErrorIs(t, err, domain.ErrMalformedAsset)

	_, err = ParseVocabulary(strings.NewReader(`[1,2,3]`))
	assert.ErrorIs(t, err, domain.ErrMalformedAsset)

	_, err = ParseVocabulary(strings.NewReader(`{}`))
	assert.ErrorIs(t, err, domain.ErrMalformedAsset)
}

func TestLoad(t *testing.T) {
	vp, mp := writeAssets(t, testVocab(), testMergesFile)
	tok, err := Load(vp, mp, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, Tokens{testBOS, 10, testEOS}, tok.Tokenize("dog"))
	assert.Equal(t, len(testVocab()), tok.VocabSize())
}

func TestLoad_MissingAssetsAreConfigErrors(t *testing.T) {
	vp, mp := writeAssets(t, testVocab(), testMergesFile)

	_, err := Load(filepath.Join(t.TempDir(), "nope.json"), mp, DefaultOptions())
	require.Error(t, err)
	assert.True(t, domain.IsConfig(err))
	assert.True(t, errors.Is(err, domain.ErrMissingAsset))

	_, err = Load(vp, filepath.Join(t.TempDir(), "nope.txt"), DefaultOptions())
	assert.True(t, domain.IsConfig(err))
}

func TestCheckAssets_Healthy(t *testing.T) {
	vocab := testVocab()
	// Make the smoke text fully known.
	for i, s := range []string{"a</w>", "photo</w>", "of</w>", "bride</w>", "and</w>", "groom</w>", "2024</w>", "p", "h", "r", "i", "b", "e", "n", "m", "f", "2", "0", "4</w>", "o</w>", "f</w>", "e</w>", "d</w>", "m</w>"} {
		vocab[s] = 200 + i
	}
	vp, mp := writeAssets(t, vocab, testMergesFile)

	report := CheckAssets(context.Background(), HealthOptions{
		VocabPath:         vp,
		MergesPath:        mp,
		ExpectedVocabSize: len(vocab),
		ExpectedMerges:    5,
	})
	assert.Equal(t, StatusHealthy, report.Status, "%+v", report.Checks)
	assert.Len(t, report.Checks, 8)
}

func TestCheckAssets_SizeMismatchDegrades(t *testing.T) {
	vp, mp := writeAssets(t, testVocab(), testMergesFile)
	report := CheckAssets(context.Background(), HealthOptions{
		VocabPath:         vp,
		MergesPath:        mp,
		ExpectedVocabSize: 49408,
	})
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestCheckAssets_Missing(t *testing.T) {
	report := CheckAssets(context.Background(), HealthOptions{
		VocabPath:  filepath.Join(t.TempDir(), "missing.json"),
		MergesPath: "",
	})
	assert.Equal(t, StatusUnhealthy, report.Status)
	for _, c := range report.Checks {
		assert.Equal(t, StatusUnhealthy, c.Status, c.Name)
	}
}

func TestCheckAssets_MissingSpecialTokens(t *testing.T) {
	vp, mp := writeAssets(t, Vocabulary{"a": 1}, testMergesFile)
	report := CheckAssets(context.Background(), HealthOptions{VocabPath: vp, MergesPath: mp})
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestCheckAssets_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := CheckAssets(ctx, HealthOptions{})
	assert.Equal(t, StatusUnhealthy, report.Status)
}
