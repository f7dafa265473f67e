package tokenizer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/WessleyAI/wessley-photos/engine/domain"
)

// Vocabulary maps a subword string to its token id.
type Vocabulary map[string]int

// Merge is one BPE rule: the two adjacent fragments that combine.
type Merge struct {
	Left  string
	Right string
}

// MergeTable is the ordered rule list. Index is priority: lower merges first.
type MergeTable []Merge

// ranks indexes the table by "left right" for O(1) priority lookup. The first
// occurrence wins when a pair is listed twice.
func (m MergeTable) ranks() map[pair]int {
	out := make(map[pair]int, len(m))
	for i, r := range m {
		p := pair{r.Left, r.Right}
		if _, ok := out[p]; !ok {
			out[p] = i
		}
	}
	return out
}

// LoadVocabulary reads a JSON object of subword → id.
func LoadVocabulary(path string) (Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.NewConfigError("tokenizer vocabulary", path, fmt.Errorf("%w: %v", domain.ErrMissingAsset, err))
	}
	defer f.Close()

	vocab, err := ParseVocabulary(f)
	if err != nil {
		return nil, domain.NewConfigError("tokenizer vocabulary", path, err)
	}
	return vocab, nil
}

// ParseVocabulary decodes and checks a vocabulary stream.
func ParseVocabulary(r io.Reader) (Vocabulary, error) {
	var vocab Vocabulary
	if err := json.NewDecoder(r).Decode(&vocab); err != nil {
		return nil, fmt.Errorf("%w: decode vocabulary: %v", domain.ErrMalformedAsset, err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("%w: vocabulary is empty", domain.ErrMalformedAsset)
	}
	for k, id := range vocab {
		if id < 0 {
			return nil, fmt.Errorf("%w: negative id %d for %q", domain.ErrMalformedAsset, id, k)
		}
	}
	return vocab, nil
}

// LoadMerges reads a merge-rule file: an optional "#" header line followed by
// one "left right" pair per line.
func LoadMerges(path string) (MergeTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.NewConfigError("tokenizer merges", path, fmt.Errorf("%w: %v", domain.ErrMissingAsset, err))
	}
	defer f.Close()

	merges, err := ParseMerges(f)
	if err != nil {
		return nil, domain.NewConfigError("tokenizer merges", path, err)
	}
	return merges, nil
}

// ParseMerges decodes a merge-rule stream. Blank lines are skipped; any other
// line that is not exactly two fields is an error.
func ParseMerges(r io.Reader) (MergeTable, error) {
	var table MergeTable
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if line == 1 && strings.HasPrefix(text, "#") {
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: merges line %d: want 2 fields, got %d", domain.ErrMalformedAsset, line, len(fields))
		}
		table = append(table, Merge{Left: fields[0], Right: fields[1]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read merges: %v", domain.ErrMalformedAsset, err)
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: no merge rules", domain.ErrMalformedAsset)
	}
	return table, nil
}
