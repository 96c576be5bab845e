// Package config provides the layered configuration of the eesocial pipeline:
// defaults, then a YAML or JSON file, then a .env file, then the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	apperr "github.com/eesocial/eesocial/internal/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

// Object storage backends.
const (
	StorageNone  = "none"
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Config holds the pipeline configuration.
type Config struct {
	// DataDir is the base directory for the default store and caches
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Source selects where archives are collected from
	Source SourceConfig `json:"source" yaml:"source"`

	// Store configures the document store
	Store StoreConfig `json:"store" yaml:"store"`

	// Storage configures object storage for remote sources and raw retention
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Ingest configures archive ingestion
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// Resolver selects the relationship passes
	Resolver ResolverConfig `json:"resolve" yaml:"resolve"`

	// Log configures the process logger
	Log LogConfig `json:"log" yaml:"log"`
}

// SourceConfig holds archive source configuration.
type SourceConfig struct {
	// Dir is the directory tree walked for .zip archives
	Dir string `json:"dir" yaml:"dir"`

	// Remote reads archives from object storage instead of Dir
	Remote RemoteSourceConfig `json:"remote" yaml:"remote"`
}

// RemoteSourceConfig holds object storage source configuration.
type RemoteSourceConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Prefix      string `json:"prefix" yaml:"prefix"`
	CacheDir    string `json:"cache_dir" yaml:"cache_dir"`
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
}

// StoreConfig holds document store configuration.
type StoreConfig struct {
	// Type is the backend: sqlite, mongo
	Type string `json:"type" yaml:"type"`

	// Path is the SQLite database file
	Path string `json:"path" yaml:"path"`

	// URI is the MongoDB connection string
	URI string `json:"uri" yaml:"uri"`

	// Database is the MongoDB database name
	Database string `json:"database" yaml:"database"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: none, local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// IngestConfig holds ingestion configuration.
type IngestConfig struct {
	// Fingerprint is the archive identity: name-size, name-size-mtime, content
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`

	// RetainRaw keeps a compressed copy of each new document in object storage
	RetainRaw bool `json:"retain_raw" yaml:"retain_raw"`

	// ContinueOnError logs a failed archive and moves on to the next one
	ContinueOnError bool `json:"continue_on_error" yaml:"continue_on_error"`

	// EnvelopePath and ResponsePath override the element paths, e.g. "a/b/*"
	EnvelopePath string `json:"envelope_path" yaml:"envelope_path"`
	ResponsePath string `json:"response_path" yaml:"response_path"`

	// Bloom enables the known-id filter; BloomExpected and BloomFPR size it
	Bloom         bool    `json:"bloom" yaml:"bloom"`
	BloomExpected int     `json:"bloom_expected" yaml:"bloom_expected"`
	BloomFPR      float64 `json:"bloom_fpr" yaml:"bloom_fpr"`
}

// ResolverConfig enables the relationship passes.
type ResolverConfig struct {
	Exclusion     bool `json:"exclusion" yaml:"exclusion"`
	Rectification bool `json:"rectification" yaml:"rectification"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/eesocial",
		Source: SourceConfig{
			Remote: RemoteSourceConfig{Concurrency: 4},
		},
		Store: StoreConfig{
			Type:     StoreSQLite,
			Database: "eesocial",
		},
		Storage: StorageConfig{
			Type: StorageNone,
			S3:   S3Config{Region: "us-east-1"},
		},
		Ingest: IngestConfig{
			Fingerprint:   "name-size",
			Bloom:         true,
			BloomExpected: 100000,
			BloomFPR:      0.01,
		},
		Resolver: ResolverConfig{
			Exclusion:     true,
			Rectification: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/eesocial"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "eesocial.db")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Source.Remote.CacheDir == "" {
		c.Source.Remote.CacheDir = filepath.Join(c.DataDir, "cache")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreSQLite:
		if c.Store.Path == "" {
			return apperr.NewConfigError("store.path is required for the sqlite store")
		}
	case StoreMongo:
		if c.Store.URI == "" {
			return apperr.NewConfigError("store.uri is required for the mongo store")
		}
		if c.Store.Database == "" {
			return apperr.NewConfigError("store.database is required for the mongo store")
		}
	default:
		return apperr.NewConfigError(fmt.Sprintf("invalid store type: %s (must be sqlite or mongo)", c.Store.Type))
	}

	switch c.Storage.Type {
	case StorageNone, StorageLocal:
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return apperr.NewConfigError("storage.s3.bucket is required when storage type is s3")
		}
	default:
		return apperr.NewConfigError(fmt.Sprintf("invalid storage type: %s (must be none, local or s3)", c.Storage.Type))
	}

	if c.Source.Remote.Enabled && c.Storage.Type == StorageNone {
		return apperr.NewConfigError("source.remote requires an object storage type")
	}
	if c.Ingest.RetainRaw && c.Storage.Type == StorageNone {
		return apperr.NewConfigError("ingest.retain_raw requires an object storage type")
	}

	switch c.Ingest.Fingerprint {
	case "name-size", "name-size-mtime", "content":
	default:
		return apperr.NewConfigError(fmt.Sprintf("invalid ingest.fingerprint: %s (must be name-size, name-size-mtime or content)", c.Ingest.Fingerprint))
	}
	if c.Ingest.Bloom && (c.Ingest.BloomFPR <= 0 || c.Ingest.BloomFPR >= 1) {
		return apperr.NewConfigError(fmt.Sprintf("ingest.bloom_fpr must be between 0 and 1, got %g", c.Ingest.BloomFPR))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return apperr.NewConfigError(fmt.Sprintf("invalid log level: %s", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return apperr.NewConfigError(fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadEnvFile loads variables from a .env file into the process environment.
// Variables already set are kept. An empty path means ".env" in the working
// directory, which may be absent.
func LoadEnvFile(path string) error {
	optional := path == ""
	if optional {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv applies environment variables. Variables use the ESOCIAL_
// prefix; MONGODB_URI and LOC_DIR are also read for compatibility with
// existing deployments.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ESOCIAL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Source configuration
	if v := os.Getenv("LOC_DIR"); v != "" {
		cfg.Source.Dir = v
	}
	if v := os.Getenv("ESOCIAL_SOURCE_DIR"); v != "" {
		cfg.Source.Dir = v
	}
	if v := os.Getenv("ESOCIAL_SOURCE_REMOTE"); v != "" {
		cfg.Source.Remote.Enabled = parseBool(v)
	}
	if v := os.Getenv("ESOCIAL_SOURCE_PREFIX"); v != "" {
		cfg.Source.Remote.Prefix = v
	}
	if v := os.Getenv("ESOCIAL_SOURCE_CACHE_DIR"); v != "" {
		cfg.Source.Remote.CacheDir = v
	}

	// Store configuration; a bare MONGODB_URI selects the mongo store
	if v := os.Getenv("MONGODB_URI"); v != "" {
		cfg.Store.URI = v
		cfg.Store.Type = StoreMongo
	}
	if v := os.Getenv("ESOCIAL_STORE_URI"); v != "" {
		cfg.Store.URI = v
	}
	if v := os.Getenv("ESOCIAL_STORE_TYPE"); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv("ESOCIAL_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ESOCIAL_STORE_DATABASE"); v != "" {
		cfg.Store.Database = v
	}

	// Storage configuration
	if v := os.Getenv("ESOCIAL_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("ESOCIAL_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("ESOCIAL_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("ESOCIAL_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("ESOCIAL_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("ESOCIAL_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = parseBool(v)
	}

	// Ingest configuration
	if v := os.Getenv("ESOCIAL_INGEST_FINGERPRINT"); v != "" {
		cfg.Ingest.Fingerprint = v
	}
	if v := os.Getenv("ESOCIAL_INGEST_RETAIN_RAW"); v != "" {
		cfg.Ingest.RetainRaw = parseBool(v)
	}
	if v := os.Getenv("ESOCIAL_INGEST_CONTINUE_ON_ERROR"); v != "" {
		cfg.Ingest.ContinueOnError = parseBool(v)
	}
	if v := os.Getenv("ESOCIAL_INGEST_BLOOM"); v != "" {
		cfg.Ingest.Bloom = parseBool(v)
	}
	if v := os.Getenv("ESOCIAL_INGEST_BLOOM_EXPECTED"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Ingest.BloomExpected)
	}
	if v := os.Getenv("ESOCIAL_INGEST_BLOOM_FPR"); v != "" {
		fmt.Sscanf(v, "%g", &cfg.Ingest.BloomFPR)
	}

	// Resolve configuration
	if v := os.Getenv("ESOCIAL_RESOLVE_EXCLUSION"); v != "" {
		cfg.Resolver.Exclusion = parseBool(v)
	}
	if v := os.Getenv("ESOCIAL_RESOLVE_RECTIFICATION"); v != "" {
		cfg.Resolver.Rectification = parseBool(v)
	}

	// Log configuration
	if v := os.Getenv("ESOCIAL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("ESOCIAL_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
}

// Load builds the configuration from the defaults or configPath, then envFile
// (see LoadEnvFile), then the environment, and resolves derived paths.
func Load(configPath, envFile string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = LoadFromFile(configPath); err != nil {
			return nil, err
		}
	}
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	LoadFromEnv(cfg)
	cfg.Resolve()
	return cfg, nil
}

// EnsureDirectories creates the local directories the configuration uses.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Store.Type == StoreSQLite {
		dirs = append(dirs, filepath.Dir(c.Store.Path))
	}
	if c.Storage.Type == StorageLocal {
		dirs = append(dirs, c.Storage.Path)
	}
	if c.Source.Remote.Enabled {
		dirs = append(dirs, c.Source.Remote.CacheDir)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
