// Package tokenizer implements the byte-pair-encoding text tokenizer used by
// the CLIP text tower. Vocabulary and merge rules are loaded once and never
// mutated; the only shared mutable state is the per-word Cache, which is safe
// for concurrent use.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/WessleyAI/wessley-photos/engine/domain"
)

// Special tokens framing every sequence.
const (
	StartToken = "<|startoftext|>"
	EndToken   = "<|endoftext|>"
)

// DefaultMaxLength is the CLIP context length.
const DefaultMaxLength = 77

// Tokens is an encoded sequence: BOS, word ids, EOS.
type Tokens []int

// Padded returns the sequence as int64 ids zero-padded (or truncated, keeping
// the final EOS) to exactly n entries, the layout the text tower expects.
func (ts Tokens) Padded(n int) []int64 {
	out := make([]int64, n)
	if n == 0 {
		return out
	}
	src := ts
	if len(src) > n {
		src = append(append(Tokens{}, ts[:n-1]...), ts[len(ts)-1])
	}
	for i, id := range src {
		out[i] = int64(id)
	}
	return out
}

// Options configures a Tokenizer.
type Options struct {
	MaxLength int
	Fallback  Strategy
	CacheSize int
	// MergeLimit keeps only the first MergeLimit rules. CLIP ships a merges
	// file longer than the portion its vocabulary was built from. Zero keeps
	// every rule.
	MergeLimit int
}

// DefaultOptions returns the CLIP defaults.
func DefaultOptions() Options {
	return Options{
		MaxLength: DefaultMaxLength,
		Fallback:  StrategyGreedyChar,
		CacheSize: DefaultCacheSize,
	}
}

// Tokenizer converts text into a bounded token sequence.
type Tokenizer struct {
	vocab    Vocabulary
	decoder  map[int]string
	ranks    map[pair]int
	merges   int
	bos      int
	eos      int
	unk      int
	maxLen   int
	strategy Strategy
	cache    *Cache
}

// Load reads the vocabulary and merge assets and builds a Tokenizer. Any
// failure is a *domain.ConfigError.
func Load(vocabPath, mergesPath string, opts Options) (*Tokenizer, error) {
	vocab, err := LoadVocabulary(vocabPath)
	if err != nil {
		return nil, err
	}
	merges, err := LoadMerges(mergesPath)
	if err != nil {
		return nil, err
	}
	return New(vocab, merges, opts)
}

// New builds a Tokenizer from in-memory tables. The tables must not be
// modified afterwards.
func New(vocab Vocabulary, merges MergeTable, opts Options) (*Tokenizer, error) {
	if opts.MaxLength == 0 {
		opts.MaxLength = DefaultMaxLength
	}
	if opts.MaxLength < 2 {
		return nil, domain.NewConfigError("tokenizer", "", fmt.Errorf("%w: max length %d leaves no room for BOS/EOS", domain.ErrInvalidConfig, opts.MaxLength))
	}
	strategy, err := ParseStrategy(string(opts.Fallback))
	if err != nil {
		return nil, domain.NewConfigError("tokenizer", "", fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err))
	}
	if len(vocab) == 0 {
		return nil, domain.NewConfigError("tokenizer", "", fmt.Errorf("%w: empty vocabulary", domain.ErrMalformedAsset))
	}
	bos, ok := vocab[StartToken]
	if !ok {
		return nil, domain.NewConfigError("tokenizer", "", fmt.Errorf("%w: vocabulary lacks %s", domain.ErrMalformedAsset, StartToken))
	}
	eos, ok := vocab[EndToken]
	if !ok {
		return nil, domain.NewConfigError("tokenizer", "", fmt.Errorf("%w: vocabulary lacks %s", domain.ErrMalformedAsset, EndToken))
	}
	cache, err := NewCache(opts.CacheSize)
	if err != nil {
		return nil, domain.NewConfigError("tokenizer", "", err)
	}

	if opts.MergeLimit > 0 && len(merges) > opts.MergeLimit {
		merges = merges[:opts.MergeLimit]
	}

	decoder := make(map[int]string, len(vocab))
	for k, id := range vocab {
		decoder[id] = k
	}

	return &Tokenizer{
		vocab:    vocab,
		decoder:  decoder,
		ranks:    merges.ranks(),
		merges:   len(merges),
		bos:      bos,
		eos:      eos,
		unk:      eos,
		maxLen:   opts.MaxLength,
		strategy: strategy,
		cache:    cache,
	}, nil
}

// Tokenize encodes text. The result always starts with BOS, ends with EOS
// and never exceeds MaxLength. Unknown text degrades to the unknown id.
func (t *Tokenizer) Tokenize(text string) Tokens {
	tokens := make(Tokens, 1, t.maxLen)
	tokens[0] = t.bos

	limit := t.maxLen - 1
words:
	for _, word := range splitWords(normalize(text)) {
		for _, id := range t.encodeWord(word) {
			if len(tokens) >= limit {
				break words
			}
			tokens = append(tokens, id)
		}
	}
	return append(tokens, t.eos)
}

// Decode maps ids back to text, dropping the framing tokens. It is meant for
// diagnostics; whitespace around punctuation is not restored exactly.
func (t *Tokenizer) Decode(ids Tokens) string {
	var b strings.Builder
	for _, id := range ids {
		if id == t.bos || id == t.eos {
			continue
		}
		s, ok := t.decoder[id]
		if !ok {
			continue
		}
		b.WriteString(strings.ReplaceAll(s, endOfWord, " "))
	}
	return strings.TrimSpace(b.String())
}

// BOS returns the beginning-of-sequence id.
func (t *Tokenizer) BOS() int { return t.bos }

// EOS returns the end-of-sequence id.
func (t *Tokenizer) EOS() int { return t.eos }

// Unknown returns the id substituted for unmappable runes.
func (t *Tokenizer) Unknown() int { return t.unk }

// MaxLength returns the sequence bound.
func (t *Tokenizer) MaxLength() int { return t.maxLen }

// VocabSize returns the number of vocabulary entries.
func (t *Tokenizer) VocabSize() int { return len(t.vocab) }

// MergeCount returns the number of merge rules loaded.
func (t *Tokenizer) MergeCount() int { return t.merges }

// Strategy returns the configured fallback strategy.
func (t *Tokenizer) Strategy() Strategy { return t.strategy }

// CacheStats reports BPE cache effectiveness.
func (t *Tokenizer) CacheStats() CacheStats { return t.cache.Stats() }
