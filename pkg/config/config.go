// Package config loads the process configuration once at startup from an
// optional .env file, an optional YAML file and PHOTOS_* environment
// variables, and validates it before any component is built.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// PHOTOS_QDRANT_COLLECTION for qdrant.collection.
const EnvPrefix = "PHOTOS"

// Config is the complete configuration for the photo search binaries.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Model     ModelConfig     `mapstructure:"model"`
	Tokenizer TokenizerConfig `mapstructure:"tokenizer"`
	Search    SearchConfig    `mapstructure:"search"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// StoreConfig selects and configures the vector store.
type StoreConfig struct {
	Backend      string        `mapstructure:"backend"` // qdrant or memory
	QdrantAddr   string        `mapstructure:"qdrant_addr"`
	Collection   string        `mapstructure:"collection"`
	Metric       string        `mapstructure:"metric"`
	BreakerFails int           `mapstructure:"breaker_fails"`
	BreakerReset time.Duration `mapstructure:"breaker_reset"`
}

// ModelConfig locates the ONNX towers and sets the embedding shape.
type ModelConfig struct {
	ImageModelPath    string `mapstructure:"image_model_path"`
	TextModelPath     string `mapstructure:"text_model_path"`
	SharedLibraryPath string `mapstructure:"shared_library_path"`
	Dimension         int    `mapstructure:"dimension"`
	ImageSize         int    `mapstructure:"image_size"`
	Workers           int    `mapstructure:"workers"`
	IntraOpThreads    int    `mapstructure:"intra_op_threads"`
}

// TokenizerConfig locates the BPE assets.
type TokenizerConfig struct {
	VocabPath  string `mapstructure:"vocab_path"`
	MergesPath string `mapstructure:"merges_path"`
	MaxLength  int    `mapstructure:"max_length"`
	Fallback   string `mapstructure:"fallback"`
	CacheSize  int    `mapstructure:"cache_size"`
	MergeLimit int    `mapstructure:"merge_limit"`
	// Expected sizes for the health check. Zero skips the comparison.
	ExpectedVocabSize int `mapstructure:"expected_vocab_size"`
	ExpectedMerges    int `mapstructure:"expected_merges"`
}

// SearchConfig tunes the orchestrator.
type SearchConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// NATSConfig configures the ingestion transport.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// BlobConfig selects where image bytes are read from.
type BlobConfig struct {
	Backend        string `mapstructure:"backend"` // dir or s3
	Dir            string `mapstructure:"dir"`
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// IngestConfig tunes bulk ingestion.
type IngestConfig struct {
	Workers int    `mapstructure:"workers"`
	Prefix  string `mapstructure:"prefix"`
	// FetchRate caps blob reads per second; zero disables pacing.
	FetchRate  float64 `mapstructure:"fetch_rate"`
	FetchBurst int     `mapstructure:"fetch_burst"`
}

// Load reads configuration. path names an explicit YAML file; when empty,
// photos.yaml is looked up in the working directory, ./configs and
// /etc/photos, and its absence is not an error.
func Load(path string) (*Config, error) {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("photos")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/photos")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)

	v.SetDefault("store.backend", "qdrant")
	v.SetDefault("store.qdrant_addr", "localhost:6334")
	v.SetDefault("store.collection", "photos")
	v.SetDefault("store.metric", "cosine")
	v.SetDefault("store.breaker_fails", 5)
	v.SetDefault("store.breaker_reset", "30s")

	v.SetDefault("model.image_model_path", "models/clip_image.onnx")
	v.SetDefault("model.text_model_path", "models/clip_text.onnx")
	v.SetDefault("model.shared_library_path", "")
	v.SetDefault("model.dimension", 512)
	v.SetDefault("model.image_size", 224)
	v.SetDefault("model.workers", 2)
	v.SetDefault("model.intra_op_threads", 0)

	v.SetDefault("tokenizer.vocab_path", "models/vocab.json")
	v.SetDefault("tokenizer.merges_path", "models/merges.txt")
	v.SetDefault("tokenizer.max_length", 77)
	v.SetDefault("tokenizer.fallback", "greedy-char")
	v.SetDefault("tokenizer.cache_size", 16384)
	v.SetDefault("tokenizer.merge_limit", 0)
	v.SetDefault("tokenizer.expected_vocab_size", 49408)
	v.SetDefault("tokenizer.expected_merges", 0)

	v.SetDefault("search.timeout", "5s")

	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("blob.backend", "dir")
	v.SetDefault("blob.dir", "./photos")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.region", "")
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("blob.force_path_style", false)

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.prefix", "")
	v.SetDefault("ingest.fetch_rate", 0)
	v.SetDefault("ingest.fetch_burst", 8)
}

// Validate checks every field once so startup fails fast with all problems
// reported together.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.Model.Dimension {
	case 512, 768, 1024:
	default:
		check(false, "model.dimension %d must be 512, 768 or 1024", c.Model.Dimension)
	}
	switch strings.ToLower(c.Store.Metric) {
	case "cosine", "dot", "euclidean", "euclid":
	default:
		check(false, "store.metric %q must be cosine, dot or euclidean", c.Store.Metric)
	}
	switch c.Tokenizer.Fallback {
	case "greedy-char", "greedy-word", "compound-split":
	default:
		check(false, "tokenizer.fallback %q is not a known strategy", c.Tokenizer.Fallback)
	}
	switch c.Store.Backend {
	case "qdrant":
		check(c.Store.QdrantAddr != "", "store.qdrant_addr is required")
		check(c.Store.Collection != "", "store.collection is required")
	case "memory":
	default:
		check(false, "store.backend %q must be qdrant or memory", c.Store.Backend)
	}
	switch c.Blob.Backend {
	case "dir":
		check(c.Blob.Dir != "", "blob.dir is required")
	case "s3":
		check(c.Blob.Bucket != "", "blob.bucket is required")
	default:
		check(false, "blob.backend %q must be dir or s3", c.Blob.Backend)
	}

	check(c.Tokenizer.VocabPath != "", "tokenizer.vocab_path is required")
	check(c.Tokenizer.MergesPath != "", "tokenizer.merges_path is required")
	check(c.Tokenizer.MaxLength >= 2, "tokenizer.max_length %d must be at least 2", c.Tokenizer.MaxLength)
	check(c.Model.ImageSize > 0, "model.image_size must be positive")
	check(c.Model.Workers > 0, "model.workers must be positive")
	check(c.Ingest.Workers > 0, "ingest.workers must be positive")
	check(c.Ingest.FetchRate >= 0, "ingest.fetch_rate must not be negative")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
}
