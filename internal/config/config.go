// Package config loads the runtime settings shared by every entry point.
// Values come from built-in defaults, then an optional TOML file named by
// CONFIG_FILE, then environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/Lllllllleong/pagebatch/internal/gcp"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Backend and tokenizer names accepted in the configuration.
const (
	StoreFile      = "file"
	StoreGCS       = "gcs"
	StoreFirestore = "firestore"

	SourceDir = "dir"
	SourceGCS = "gcs"

	TokenizerEstimate = "estimate"
	TokenizerVertex   = "vertex"
)

type Config struct {
	ProjectID     string `toml:"project_id"`
	StoreBackend  string `toml:"store_backend"`
	SourceBackend string `toml:"source_backend"`
	LogLevel      string `toml:"log_level"`

	Data      DataConfig      `toml:"data"`
	GCS       GCSConfig       `toml:"gcs"`
	Firestore FirestoreConfig `toml:"firestore"`
	Tokenizer TokenizerConfig `toml:"tokenizer"`
	Workflow  WorkflowConfig  `toml:"workflow"`
	Ingest    IngestConfig    `toml:"ingest"`
	Selection SelectionConfig `toml:"selection"`
}

// DataConfig holds the local directories used by the dir source and the file store.
type DataConfig struct {
	SourceDir       string `toml:"source_dir"`
	ProcessedDir    string `toml:"processed_dir"`     // raw documents done ingesting
	PreProcessedDir string `toml:"pre_processed_dir"` // staged records
	ArchiveDir      string `toml:"archive_dir"`       // fully consumed records
}

type GCSConfig struct {
	SourceBucket     string `toml:"source_bucket"`
	SourcePrefix     string `toml:"source_prefix"`
	SourceDonePrefix string `toml:"source_done_prefix"`
	RecordsBucket    string `toml:"records_bucket"`
	StagingPrefix    string `toml:"staging_prefix"`
	ArchivePrefix    string `toml:"archive_prefix"`
}

type FirestoreConfig struct {
	Collection        string `toml:"collection"`
	ArchiveCollection string `toml:"archive_collection"`
}

type TokenizerConfig struct {
	Kind          string `toml:"kind"`
	BytesPerToken int    `toml:"bytes_per_token"`
	VertexRegion  string `toml:"vertex_region"`
	VertexModel   string `toml:"vertex_model"`
}

// WorkflowConfig enables the downstream notification when WorkflowID is set.
type WorkflowConfig struct {
	WorkflowID string `toml:"workflow_id"`
	Location   string `toml:"location"`
}

type IngestConfig struct {
	Concurrency int    `toml:"concurrency"`
	Schedule    string `toml:"schedule"`
}

type SelectionConfig struct {
	TokenLimit int `toml:"token_limit"`
}

// NewDefaultConfig returns the settings used when nothing is configured:
// local directories, the file store and the byte-length token estimate.
func NewDefaultConfig() *Config {
	return &Config{
		StoreBackend:  StoreFile,
		SourceBackend: SourceDir,
		LogLevel:      "info",
		Data: DataConfig{
			SourceDir:       "./source",
			ProcessedDir:    "./source/processed",
			PreProcessedDir: "./source/preprocessed",
			ArchiveDir:      "./source/archive",
		},
		GCS: GCSConfig{
			SourcePrefix:     "incoming",
			SourceDonePrefix: "processed",
			StagingPrefix:    "preprocessed",
			ArchivePrefix:    "archive",
		},
		Firestore: FirestoreConfig{
			Collection:        "documents",
			ArchiveCollection: "documents_archive",
		},
		Tokenizer: TokenizerConfig{
			Kind:          TokenizerEstimate,
			BytesPerToken: 4,
			VertexRegion:  "us-central1",
			VertexModel:   "gemini-1.5-pro",
		},
		Workflow: WorkflowConfig{
			Location: "us-central1",
		},
		Ingest: IngestConfig{
			Concurrency: 4,
			Schedule:    "@every 5m",
		},
		Selection: SelectionConfig{
			TokenLimit: 2000,
		},
	}
}

// Load builds the configuration and validates it.
func Load() (*Config, error) {
	cfg := NewDefaultConfig()
	if path := gcp.GetEnv("CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	cfg.ProjectID = gcp.GetEnv("PROJECT_ID", cfg.ProjectID)
	cfg.StoreBackend = gcp.GetEnv("STORE_BACKEND", cfg.StoreBackend)
	cfg.SourceBackend = gcp.GetEnv("SOURCE_BACKEND", cfg.SourceBackend)
	cfg.LogLevel = gcp.GetEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.Data.SourceDir = gcp.GetEnv("DATA_SOURCE_DIR", cfg.Data.SourceDir)
	cfg.Data.ProcessedDir = gcp.GetEnv("DATA_PROCESSED_DIR", cfg.Data.ProcessedDir)
	cfg.Data.PreProcessedDir = gcp.GetEnv("DATA_PRE_PROCESSED_DIR", cfg.Data.PreProcessedDir)
	cfg.Data.ArchiveDir = gcp.GetEnv("DATA_ARCHIVE_DIR", cfg.Data.ArchiveDir)

	cfg.GCS.SourceBucket = gcp.GetEnv("SOURCE_BUCKET", cfg.GCS.SourceBucket)
	cfg.GCS.SourcePrefix = gcp.GetEnv("SOURCE_PREFIX", cfg.GCS.SourcePrefix)
	cfg.GCS.SourceDonePrefix = gcp.GetEnv("SOURCE_DONE_PREFIX", cfg.GCS.SourceDonePrefix)
	cfg.GCS.RecordsBucket = gcp.GetEnv("RECORDS_BUCKET", cfg.GCS.RecordsBucket)
	cfg.GCS.StagingPrefix = gcp.GetEnv("STAGING_PREFIX", cfg.GCS.StagingPrefix)
	cfg.GCS.ArchivePrefix = gcp.GetEnv("ARCHIVE_PREFIX", cfg.GCS.ArchivePrefix)

	cfg.Firestore.Collection = gcp.GetEnv("FIRESTORE_COLLECTION", cfg.Firestore.Collection)
	cfg.Firestore.ArchiveCollection = gcp.GetEnv("FIRESTORE_ARCHIVE_COLLECTION", cfg.Firestore.ArchiveCollection)

	cfg.Tokenizer.Kind = gcp.GetEnv("TOKENIZER", cfg.Tokenizer.Kind)
	cfg.Tokenizer.VertexRegion = gcp.GetEnv("VERTEX_AI_REGION", cfg.Tokenizer.VertexRegion)
	cfg.Tokenizer.VertexModel = gcp.GetEnv("VERTEX_MODEL", cfg.Tokenizer.VertexModel)

	cfg.Workflow.WorkflowID = gcp.GetEnv("WORKFLOW_ID", cfg.Workflow.WorkflowID)
	cfg.Workflow.Location = gcp.GetEnv("WORKFLOW_LOCATION", cfg.Workflow.Location)

	cfg.Ingest.Schedule = gcp.GetEnv("INGEST_SCHEDULE", cfg.Ingest.Schedule)

	ints := []struct {
		key string
		dst *int
	}{
		{"BYTES_PER_TOKEN", &cfg.Tokenizer.BytesPerToken},
		{"INGEST_CONCURRENCY", &cfg.Ingest.Concurrency},
		{"TOKEN_LIMIT", &cfg.Selection.TokenLimit},
	}
	for _, v := range ints {
		raw := gcp.GetEnv(v.key, "")
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", v.key, raw)
		}
		*v.dst = n
	}
	return nil
}

// Validate checks the settings the selected backends depend on.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreFile:
		if c.Data.PreProcessedDir == "" || c.Data.ArchiveDir == "" {
			return fmt.Errorf("DATA_PRE_PROCESSED_DIR and DATA_ARCHIVE_DIR must be set for the file store")
		}
	case StoreGCS:
		if c.GCS.RecordsBucket == "" {
			return fmt.Errorf("RECORDS_BUCKET environment variable must be set for the gcs store")
		}
	case StoreFirestore:
		if c.ProjectID == "" {
			return fmt.Errorf("PROJECT_ID environment variable must be set for the firestore store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.SourceBackend {
	case SourceDir:
		if c.Data.SourceDir == "" || c.Data.ProcessedDir == "" {
			return fmt.Errorf("DATA_SOURCE_DIR and DATA_PROCESSED_DIR must be set for the dir source")
		}
	case SourceGCS:
		if c.GCS.SourceBucket == "" {
			return fmt.Errorf("SOURCE_BUCKET environment variable must be set for the gcs source")
		}
	default:
		return fmt.Errorf("unknown SOURCE_BACKEND %q", c.SourceBackend)
	}

	switch c.Tokenizer.Kind {
	case TokenizerEstimate:
		if c.Tokenizer.BytesPerToken <= 0 {
			return fmt.Errorf("BYTES_PER_TOKEN must be greater than zero")
		}
	case TokenizerVertex:
		if c.ProjectID == "" {
			return fmt.Errorf("PROJECT_ID environment variable must be set for the vertex tokenizer")
		}
	default:
		return fmt.Errorf("unknown TOKENIZER %q", c.Tokenizer.Kind)
	}

	if c.Selection.TokenLimit <= 0 {
		return fmt.Errorf("TOKEN_LIMIT must be greater than zero")
	}
	if c.Ingest.Concurrency <= 0 {
		return fmt.Errorf("INGEST_CONCURRENCY must be greater than zero")
	}
	if _, err := cron.ParseStandard(c.Ingest.Schedule); err != nil {
		return fmt.Errorf("invalid INGEST_SCHEDULE %q: %w", c.Ingest.Schedule, err)
	}
	if c.Workflow.WorkflowID != "" && c.ProjectID == "" {
		return fmt.Errorf("PROJECT_ID environment variable must be set when WORKFLOW_ID is")
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger installs the JSON logger every entry point uses as the slog default.
func (c *Config) NewLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}
