package tokenizer

import (
	"fmt"
	"strings"
)

// Strategy selects how a unit missing from the vocabulary is broken down.
type Strategy string

const (
	// StrategyGreedyChar maps each rune on its own.
	StrategyGreedyChar Strategy = "greedy-char"
	// StrategyGreedyWord takes the longest vocabulary prefix repeatedly.
	StrategyGreedyWord Strategy = "greedy-word"
	// StrategyCompoundSplit tries to split the unit into two known words
	// before falling back to runes.
	StrategyCompoundSplit Strategy = "compound-split"
)

// ParseStrategy validates a strategy name. Empty selects greedy-char.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyGreedyChar:
		return StrategyGreedyChar, nil
	case StrategyGreedyWord:
		return StrategyGreedyWord, nil
	case StrategyCompoundSplit:
		return StrategyCompoundSplit, nil
	default:
		return "", fmt.Errorf("tokenizer: unknown fallback strategy %q", s)
	}
}

func (t *Tokenizer) fallback(unit string) []int {
	base, final := strings.CutSuffix(unit, endOfWord)
	runes := []rune(base)
	switch t.strategy {
	case StrategyGreedyWord:
		return t.greedyWord(runes, final)
	case StrategyCompoundSplit:
		if ids, ok := t.compoundSplit(runes, final); ok {
			return ids
		}
		return t.greedyChar(runes, final)
	default:
		return t.greedyChar(runes, final)
	}
}

// find looks s up, preferring the end-of-word form when s closes the word.
func (t *Tokenizer) find(s string, closesWord bool) (int, bool) {
	if closesWord {
		if id, ok := t.vocab[s+endOfWord]; ok {
			return id, true
		}
	}
	id, ok := t.vocab[s]
	return id, ok
}

func (t *Tokenizer) greedyChar(runes []rune, final bool) []int {
	ids := make([]int, 0, len(runes))
	for i, r := range runes {
		if id, ok := t.find(string(r), final && i == len(runes)-1); ok {
			ids = append(ids, id)
			continue
		}
		if id, ok := t.vocab[string(r)+endOfWord]; ok {
			ids = append(ids, id)
			continue
		}
		ids = append(ids, t.unk)
	}
	return ids
}

func (t *Tokenizer) greedyWord(runes []rune, final bool) []int {
	var ids []int
	for i := 0; i < len(runes); {
		matched := false
		for j := len(runes); j > i; j-- {
			if id, ok := t.find(string(runes[i:j]), final && j == len(runes)); ok {
				ids = append(ids, id)
				i = j
				matched = true
				break
			}
		}
		if !matched {
			ids = append(ids, t.unk)
			i++
		}
	}
	return ids
}

func (t *Tokenizer) compoundSplit(runes []rune, final bool) ([]int, bool) {
	for k := len(runes) - 1; k >= 1; k-- {
		left, lok := t.vocab[string(runes[:k])]
		if !lok {
			continue
		}
		if right, rok := t.find(string(runes[k:]), final); rok {
			return []int{left, right}, true
		}
	}
	return nil, false
}
