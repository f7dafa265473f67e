package tokenizer

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Status is the outcome of a health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Check is a single asset diagnostic.
type Check struct {
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HealthReport aggregates checks; Status is the worst individual status.
type HealthReport struct {
	Status    Status    `json:"status"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthOptions locates the assets and states the expected sizes. Zero
// expectations skip the size comparison.
type HealthOptions struct {
	VocabPath         string
	MergesPath        string
	ExpectedVocabSize int
	ExpectedMerges    int
	Tokenizer         Options
}

// smokeText is tokenized once to prove the assets work together.
const smokeText = "a photo of a bride and groom, 2024!"

// CheckAssets validates the on-disk tokenizer assets. It is a diagnostic and
// never panics or returns an error; failures are reported in the checks.
func CheckAssets(ctx context.Context, opts HealthOptions) HealthReport {
	var checks []Check
	run := func(name string, f func() (Status, string, map[string]any)) {
		start := time.Now()
		if err := ctx.Err(); err != nil {
			checks = append(checks, Check{Name: name, Status: StatusUnhealthy, Message: err.Error()})
			return
		}
		st, msg, meta := f()
		checks = append(checks, Check{Name: name, Status: st, Message: msg, Duration: time.Since(start), Metadata: meta})
	}

	var (
		vocab  Vocabulary
		merges MergeTable
	)

	run("vocabulary_file", func() (Status, string, map[string]any) { return fileCheck(opts.VocabPath) })
	run("vocabulary_parse", func() (Status, string, map[string]any) {
		v, err := LoadVocabulary(opts.VocabPath)
		if err != nil {
			return StatusUnhealthy, err.Error(), nil
		}
		vocab = v
		return StatusHealthy, "", map[string]any{"entries": len(v)}
	})
	run("vocabulary_size", func() (Status, string, map[string]any) {
		return sizeCheck(len(vocab), opts.ExpectedVocabSize, vocab != nil)
	})
	run("special_tokens", func() (Status, string, map[string]any) {
		if vocab == nil {
			return StatusUnhealthy, "vocabulary unavailable", nil
		}
		var missing []string
		for _, tok := range []string{StartToken, EndToken} {
			if _, ok := vocab[tok]; !ok {
				missing = append(missing, tok)
			}
		}
		if len(missing) > 0 {
			return StatusUnhealthy, fmt.Sprintf("missing %v", missing), nil
		}
		return StatusHealthy, "", map[string]any{"bos": vocab[StartToken], "eos": vocab[EndToken]}
	})
	run("merges_file", func() (Status, string, map[string]any) { return fileCheck(opts.MergesPath) })
	run("merges_parse", func() (Status, string, map[string]any) {
		m, err := LoadMerges(opts.MergesPath)
		if err != nil {
			return StatusUnhealthy, err.Error(), nil
		}
		merges = m
		return StatusHealthy, "", map[string]any{"rules": len(m)}
	})
	run("merges_size", func() (Status, string, map[string]any) {
		return sizeCheck(len(merges), opts.ExpectedMerges, merges != nil)
	})
	run("smoke_tokenize", func() (Status, string, map[string]any) {
		if vocab == nil || merges == nil {
			return StatusUnhealthy, "assets unavailable", nil
		}
		tok, err := New(vocab, merges, opts.Tokenizer)
		if err != nil {
			return StatusUnhealthy, err.Error(), nil
		}
		ids := tok.Tokenize(smokeText)
		if len(ids) < 2 || len(ids) > tok.MaxLength() || ids[0] != tok.BOS() || ids[len(ids)-1] != tok.EOS() {
			return StatusUnhealthy, fmt.Sprintf("malformed sequence %v", ids), nil
		}
		unknown := 0
		for _, id := range ids[1 : len(ids)-1] {
			if id == tok.Unknown() {
				unknown++
			}
		}
		meta := map[string]any{"tokens": len(ids), "unknown": unknown}
		if unknown > 0 {
			return StatusDegraded, "smoke text produced unknown tokens", meta
		}
		return StatusHealthy, "", meta
	})

	report := HealthReport{Status: StatusHealthy, Checks: checks, CheckedAt: time.Now().UTC()}
	for _, c := range checks {
		if c.Status.severity() > report.Status.severity() {
			report.Status = c.Status
		}
	}
	return report
}

func fileCheck(path string) (Status, string, map[string]any) {
	if path == "" {
		return StatusUnhealthy, "path not configured", nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return StatusUnhealthy, err.Error(), nil
	}
	if info.IsDir() {
		return StatusUnhealthy, "path is a directory", nil
	}
	if info.Size() == 0 {
		return StatusUnhealthy, "file is empty", nil
	}
	return StatusHealthy, "", map[string]any{"bytes": info.Size()}
}

func sizeCheck(got, want int, loaded bool) (Status, string, map[string]any) {
	if !loaded {
		return StatusUnhealthy, "asset unavailable", nil
	}
	meta := map[string]any{"actual": got, "expected": want}
	if want > 0 && got != want {
		return StatusDegraded, fmt.Sprintf("expected %d entries, found %d", want, got), meta
	}
	return StatusHealthy, "", meta
}
