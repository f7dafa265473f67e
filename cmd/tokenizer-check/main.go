// Command tokenizer-check validates the BPE vocabulary and merges files and
// prints a JSON health report. It exits 1 when the assets are unusable.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/WessleyAI/wessley-photos/engine/tokenizer"
	"github.com/WessleyAI/wessley-photos/pkg/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tokenizer-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "path to a YAML config file")
		vocab      = fs.String("vocab", "", "vocabulary JSON (overrides tokenizer.vocab_path)")
		merges     = fs.String("merges", "", "merges file (overrides tokenizer.merges_path)")
		vocabSize  = fs.Int("vocab-size", -1, "expected vocabulary entries; 0 skips the check")
		mergeCount = fs.Int("merges-count", -1, "expected merge rules; 0 skips the check")
		strict     = fs.Bool("strict", false, "exit 1 when degraded as well")
		timeout    = fs.Duration("timeout", 30*time.Second, "overall check timeout")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	log := slog.New(slog.NewJSONHandler(stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "err", err)
		return 2
	}
	opts := tokenizer.HealthOptions{
		VocabPath:         cfg.Tokenizer.VocabPath,
		MergesPath:        cfg.Tokenizer.MergesPath,
		ExpectedVocabSize: cfg.Tokenizer.ExpectedVocabSize,
		ExpectedMerges:    cfg.Tokenizer.ExpectedMerges,
	}
	if *vocab != "" {
		opts.VocabPath = *vocab
	}
	if *merges != "" {
		opts.MergesPath = *merges
	}
	if *vocabSize >= 0 {
		opts.ExpectedVocabSize = *vocabSize
	}
	if *mergeCount >= 0 {
		opts.ExpectedMerges = *mergeCount
	}
	strategy, err := tokenizer.ParseStrategy(cfg.Tokenizer.Fallback)
	if err != nil {
		log.Error("fallback strategy", "err", err)
		return 2
	}
	opts.Tokenizer = tokenizer.Options{
		MaxLength:  cfg.Tokenizer.MaxLength,
		Fallback:   strategy,
		CacheSize:  cfg.Tokenizer.CacheSize,
		MergeLimit: cfg.Tokenizer.MergeLimit,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	report := tokenizer.CheckAssets(ctx, opts)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	switch {
	case report.Status == tokenizer.StatusUnhealthy:
		return 1
	case report.Status == tokenizer.StatusDegraded && *strict:
		return 1
	}
	return 0
}
