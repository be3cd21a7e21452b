// Package config provides the settings shared by the vgomini CLI and HTTP
// endpoint.
//
// Precedence, lowest first: DefaultConfig, a YAML or JSON file, an optional
// .env file, VGOMINI_* environment variables, then CLI flags (applied by the
// caller).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/vgomini/internal/ingest"
	"github.com/roach88/vgomini/internal/seal"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VGOMINI_"

// Signer kinds.
const (
	SignerDemo    = "demo"
	SignerEd25519 = "ed25519"
)

// Export kinds.
const (
	ExportNone  = "none"
	ExportLocal = "local"
	ExportS3    = "s3"
)

// Config holds every setting a pipeline run needs besides the policy file.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `json:"db_path" yaml:"db_path"`

	Tenant string `json:"tenant" yaml:"tenant"`

	// Window is the default settlement window for commands that take one.
	Window string `json:"window" yaml:"window"`

	// Partitions is K, the number of ingress partitions.
	Partitions int `json:"partitions" yaml:"partitions"`

	// BucketWidth truncates occurred_at for partition routing.
	BucketWidth time.Duration `json:"bucket_width" yaml:"bucket_width"`

	// ExpectedPartitions must all report a watermark before a window closes.
	// Empty means whichever partitions received events.
	ExpectedPartitions []int `json:"expected_partitions" yaml:"expected_partitions"`

	// AllowedSkew bounds partition watermark lag. Zero disables the bound.
	AllowedSkew time.Duration `json:"allowed_skew" yaml:"allowed_skew"`

	LeaseTTL time.Duration `json:"lease_ttl" yaml:"lease_ttl"`

	Signer SignerConfig `json:"signer" yaml:"signer"`
	Export ExportConfig `json:"export" yaml:"export"`
	HTTP   HTTPConfig   `json:"http" yaml:"http"`
}

// SignerConfig selects the seal signer.
type SignerConfig struct {
	// Kind is demo or ed25519.
	Kind string `json:"kind" yaml:"kind"`
	ID   string `json:"id" yaml:"id"`

	// Secret is the HMAC key (demo) or the key derivation secret (ed25519).
	Secret string `json:"-" yaml:"secret"`
}

// ExportConfig controls where fresh seals are published.
type ExportConfig struct {
	// Kind is none, local or s3.
	Kind   string `json:"kind" yaml:"kind"`
	Dir    string `json:"dir" yaml:"dir"`
	Bucket string `json:"bucket" yaml:"bucket"`
	Prefix string `json:"prefix" yaml:"prefix"`
	Region string `json:"region" yaml:"region"`

	// Endpoint is an S3-compatible endpoint (MinIO, LocalStack).
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// HTTPConfig holds the ingestion endpoint settings.
type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"`

	// RatePerSec and Burst configure the ingestion token bucket.
	// RatePerSec <= 0 disables limiting.
	RatePerSec float64 `json:"rate_per_sec" yaml:"rate_per_sec"`
	Burst      int     `json:"burst" yaml:"burst"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns the configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DBPath:      "./data/vgomini.db",
		Tenant:      "default",
		Partitions:  ingest.DefaultPartitions,
		BucketWidth: ingest.DefaultBucketWidth,
		LeaseTTL:    ingest.DefaultLeaseTTL,
		Signer: SignerConfig{
			Kind:   SignerDemo,
			ID:     "demo",
			Secret: "vgomini-demo-key",
		},
		Export: ExportConfig{
			Kind:   ExportNone,
			Prefix: "seals",
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			RatePerSec:   100,
			Burst:        200,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}
}

// Load builds the effective configuration. An empty path skips the file.
// envFile is loaded when it exists; a missing .env is not an error.
func Load(path, envFile string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of
// DefaultConfig. Unknown keys are rejected.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml", ".json":
		// JSON documents are YAML flow documents, so one decoder covers both
		// and durations like "30s" parse the same way in either.
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies VGOMINI_* environment variables.
func LoadFromEnv(cfg *Config) error {
	str := map[string]*string{
		"DB_PATH":         &cfg.DBPath,
		"TENANT":          &cfg.Tenant,
		"WINDOW":          &cfg.Window,
		"SIGNER_KIND":     &cfg.Signer.Kind,
		"SIGNER_ID":       &cfg.Signer.ID,
		"SIGNER_SECRET":   &cfg.Signer.Secret,
		"EXPORT_KIND":     &cfg.Export.Kind,
		"EXPORT_DIR":      &cfg.Export.Dir,
		"EXPORT_BUCKET":   &cfg.Export.Bucket,
		"EXPORT_PREFIX":   &cfg.Export.Prefix,
		"EXPORT_REGION":   &cfg.Export.Region,
		"EXPORT_ENDPOINT": &cfg.Export.Endpoint,
		"HTTP_ADDR":       &cfg.HTTP.Addr,
	}
	for name, dst := range str {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"BUCKET_WIDTH": &cfg.BucketWidth,
		"ALLOWED_SKEW": &cfg.AllowedSkew,
		"LEASE_TTL":    &cfg.LeaseTTL,
	}
	for name, dst := range durations {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"PARTITIONS": &cfg.Partitions,
		"HTTP_BURST": &cfg.HTTP.Burst,
	}
	for name, dst := range ints {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	if v := os.Getenv(EnvPrefix + "HTTP_RATE_PER_SEC"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sHTTP_RATE_PER_SEC: %w", EnvPrefix, err)
		}
		cfg.HTTP.RatePerSec = r
	}

	if v := os.Getenv(EnvPrefix + "EXPECTED_PARTITIONS"); v != "" {
		parts, err := parseIntList(v)
		if err != nil {
			return fmt.Errorf("%sEXPECTED_PARTITIONS: %w", EnvPrefix, err)
		}
		cfg.ExpectedPartitions = parts
	}
	return nil
}

func parseIntList(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if c.Partitions <= 0 {
		return fmt.Errorf("partitions must be positive, got %d", c.Partitions)
	}
	if c.BucketWidth <= 0 {
		return fmt.Errorf("bucket_width must be positive, got %s", c.BucketWidth)
	}
	if c.AllowedSkew < 0 {
		return fmt.Errorf("allowed_skew must not be negative, got %s", c.AllowedSkew)
	}
	for _, p := range c.ExpectedPartitions {
		if p < 0 || p >= c.Partitions {
			return fmt.Errorf("expected_partitions: %d is outside [0, %d)", p, c.Partitions)
		}
	}

	switch c.Signer.Kind {
	case SignerDemo, SignerEd25519:
	default:
		return fmt.Errorf("invalid signer kind: %s (must be demo or ed25519)", c.Signer.Kind)
	}
	if c.Signer.Secret == "" {
		return fmt.Errorf("signer.secret is required")
	}

	switch c.Export.Kind {
	case ExportNone, "":
	case ExportLocal:
		if c.Export.Dir == "" {
			return fmt.Errorf("export.dir is required when export kind is local")
		}
	case ExportS3:
		if c.Export.Bucket == "" {
			return fmt.Errorf("export.bucket is required when export kind is s3")
		}
	default:
		return fmt.Errorf("invalid export kind: %s (must be none, local or s3)", c.Export.Kind)
	}

	if c.HTTP.RatePerSec > 0 && c.HTTP.Burst <= 0 {
		return fmt.Errorf("http.burst must be positive when rate limiting is on")
	}
	return nil
}

// NewSigner builds the configured seal signer.
func (c SignerConfig) NewSigner() (seal.Signer, error) {
	switch c.Kind {
	case SignerDemo:
		return seal.NewDemoSigner(c.ID, []byte(c.Secret)), nil
	case SignerEd25519:
		return seal.NewEd25519Signer(c.ID, []byte(c.Secret))
	default:
		return nil, fmt.Errorf("invalid signer kind: %s", c.Kind)
	}
}

// EnsureDirectories creates the database directory and the local export
// directory.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.DBPath)}
	if c.Export.Kind == ExportLocal {
		dirs = append(dirs, c.Export.Dir)
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
