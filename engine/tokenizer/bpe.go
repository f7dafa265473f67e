package tokenizer

import (
	"math"
	"strings"
)

// endOfWord marks the final fragment of a word in the vocabulary and merges.
const endOfWord = "</w>"

type pair struct {
	left, right string
}

// bpe merges the runes of word according to the rule table and returns the
// fragments joined by single spaces. Results are memoised in the cache.
func (t *Tokenizer) bpe(word string) string {
	if cached, ok := t.cache.Get(word); ok {
		return cached
	}

	runes := []rune(word)
	if len(runes) == 0 {
		return ""
	}
	symbols := make([]string, len(runes))
	for i, r := range runes {
		symbols[i] = string(r)
	}
	symbols[len(symbols)-1] += endOfWord

	for len(symbols) > 1 {
		best, bestRank := -1, math.MaxInt
		for i := 0; i < len(symbols)-1; i++ {
			if rank, ok := t.ranks[pair{symbols[i], symbols[i+1]}]; ok && rank < bestRank {
				best, bestRank = i, rank
			}
		}
		if best < 0 {
			break
		}
		symbols = mergePair(symbols, symbols[best], symbols[best+1])
	}

	out := strings.Join(symbols, " ")
	t.cache.Put(word, out)
	return out
}

// mergePair joins every adjacent (left, right) occurrence, scanning left to
// right so overlapping matches resolve to the leftmost.
func mergePair(symbols []string, left, right string) []string {
	merged := make([]string, 0, len(symbols))
	for i := 0; i < len(symbols); {
		if i < len(symbols)-1 && symbols[i] == left && symbols[i+1] == right {
			merged = append(merged, left+right)
			i += 2
			continue
		}
		merged = append(merged, symbols[i])
		i++
	}
	return merged
}

// encodeWord runs BPE on word and maps every resulting unit to ids.
func (t *Tokenizer) encodeWord(word string) []int {
	fragments := t.bpe(word)
	var ids []int
	for _, unit := range strings.Fields(fragments) {
		ids = append(ids, t.lookup(unit)...)
	}
	return ids
}

// lookup resolves a unit: exact match, then with the end-of-word marker, then
// the configured fallback.
func (t *Tokenizer) lookup(unit string) []int {
	if id, ok := t.vocab[unit]; ok {
		return []int{id}
	}
	if !strings.HasSuffix(unit, endOfWord) {
		if id, ok := t.vocab[unit+endOfWord]; ok {
			return []int{id}
		}
	}
	return t.fallback(unit)
}
