// Package config loads kiln's top-level configuration: storage
// locations, concurrency limits, mirror definitions, and the optional
// cache and debug-server sections.
//
// Grounded on the teacher's configuration/configuration.go (a versioned
// YAML document, environment-variable overridable) and parser.go (a
// strict-mode YAML decode with field-name validation), both adapted here
// from a registry's config shape to kiln's installer/resolver/fetch
// shape. Uses gopkg.in/yaml.v2, the teacher's YAML library, for decoding,
// and github.com/mitchellh/mapstructure for ApplyOverrides' weakly-typed
// override map. The KILN_ environment-variable overlay is applied by hand,
// as the teacher's parser.go does.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// Version is the configuration document's schema version.
type Version string

// CurrentVersion is the only version this build accepts.
const CurrentVersion Version = "1.0"

// Config is kiln's top-level configuration document.
type Config struct {
	Version Version `yaml:"version"`

	Root        string `yaml:"root"`         // installation root
	StateDBPath string `yaml:"state_db_path"` // sqlite ledger path; defaults under Root

	HashAlgorithm string `yaml:"hash_algorithm"` // "blake3" or "xxhash128"

	Concurrency Concurrency `yaml:"concurrency,omitempty"`
	Mirrors     []Mirror    `yaml:"mirrors,omitempty"`
	Cache       Cache       `yaml:"cache,omitempty"`
	Trust       Trust       `yaml:"trust,omitempty"`
	Log         Log         `yaml:"log,omitempty"`
	DebugServer DebugServer `yaml:"debug_server,omitempty"`
}

// Concurrency bounds the pipeline's parallel download and decompress
// stages, per the resource model.
type Concurrency struct {
	MaxDownloads   int `yaml:"max_downloads"`
	MaxDecompress  int `yaml:"max_decompress"`
	MaxInstallJobs int `yaml:"max_install_jobs"`
}

// DefaultConcurrency matches the suggested defaults.
func DefaultConcurrency() Concurrency {
	return Concurrency{MaxDownloads: 4, MaxDecompress: 2, MaxInstallJobs: 1}
}

// Mirror describes one configured package source.
type Mirror struct {
	Name     string            `yaml:"name"`
	Kind     string            `yaml:"kind"` // "http", "s3", "azure", "swift", "aliyun", "gcs"
	BaseURL  string            `yaml:"base_url,omitempty"`
	Bucket   string            `yaml:"bucket,omitempty"`
	Region   string            `yaml:"region,omitempty"`
	Priority int               `yaml:"priority"`
	Options  map[string]string `yaml:"options,omitempty"`
}

// Cache configures the optional manifest/descriptor cache.
type Cache struct {
	Enabled  bool   `yaml:"enabled"`
	Backend  string `yaml:"backend"` // "memory" or "redis"
	RedisURL string `yaml:"redis_url,omitempty"`
	MaxItems int    `yaml:"max_items,omitempty"`
}

// Trust configures signature verification.
type Trust struct {
	RequireSignatures bool     `yaml:"require_signatures"`
	TrustedKeysPath   string   `yaml:"trusted_keys_path,omitempty"`
	TrustedKeyIDs     []string `yaml:"trusted_key_ids,omitempty"`
}

// Log configures the structured logger.
type Log struct {
	Level     string `yaml:"level"`
	Formatter string `yaml:"formatter"` // "text", "json", or "logstash"
}

// DebugServer configures the optional local HTTP health/metrics listener.
type DebugServer struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr,omitempty"`
}

// Default returns a Config populated with the suggested defaults.
func Default() *Config {
	return &Config{
		Version:       CurrentVersion,
		Root:          "/var/lib/kiln",
		HashAlgorithm: "blake3",
		Concurrency:   DefaultConcurrency(),
		Log:           Log{Level: "info", Formatter: "text"},
	}
}

// Parse decodes a YAML configuration document, mirroring the teacher's
// parser.go behavior, then applies KILN_-prefixed environment variable
// overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Input, "parse configuration", err)
	}
	if cfg.Version != CurrentVersion {
		return nil, kilnerrors.New(kilnerrors.Input, fmt.Sprintf("unsupported configuration version %q", cfg.Version)).WithDetails(cfg.Version)
	}
	applyEnvOverrides(cfg, os.Environ())
	return cfg, nil
}

// ParseStrict behaves like Parse but rejects unknown top-level keys,
// matching the teacher's parser.go guard against configuration typos.
func ParseStrict(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Input, "parse configuration", err)
	}
	if err := checkKnownKeys(raw); err != nil {
		return nil, err
	}
	return Parse(data)
}

var knownTopLevelKeys = map[string]bool{
	"version": true, "root": true, "state_db_path": true, "hash_algorithm": true,
	"concurrency": true, "mirrors": true, "cache": true, "trust": true,
	"log": true, "debug_server": true,
}

func checkKnownKeys(raw map[string]interface{}) error {
	for k := range raw {
		if !knownTopLevelKeys[k] {
			return kilnerrors.New(kilnerrors.Input, fmt.Sprintf("unknown configuration key %q", k)).WithDetails(k)
		}
	}
	return nil
}

// applyEnvOverrides overlays KILN_ROOT, KILN_HASH_ALGORITHM,
// KILN_LOG_LEVEL, and KILN_CONCURRENCY_MAX_DOWNLOADS onto cfg, matching
// the teacher's environment-variable override convention (section path
// joined by underscore, uppercased, KILN_ prefix in place of the
// teacher's REGISTRY_ prefix).
func applyEnvOverrides(cfg *Config, environ []string) {
	env := map[string]string{}
	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}
	if v, ok := env["KILN_ROOT"]; ok {
		cfg.Root = v
	}
	if v, ok := env["KILN_HASH_ALGORITHM"]; ok {
		cfg.HashAlgorithm = v
	}
	if v, ok := env["KILN_LOG_LEVEL"]; ok {
		cfg.Log.Level = v
	}
	if v, ok := env["KILN_CONCURRENCY_MAX_DOWNLOADS"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency.MaxDownloads = n
		}
	}
}

// Encode serializes cfg back to YAML.
func (c *Config) Encode() ([]byte, error) {
	return yaml.Marshal(c)
}

// ApplyOverrides merges a loosely-typed map (typically decoded from CLI
// flags) onto cfg, using mapstructure's weakly-typed decoding so that
// string flag values ("4", "true") convert onto int/bool fields without
// each call site hand-rolling strconv calls.
func ApplyOverrides(cfg *Config, overrides map[string]interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           cfg,
		TagName:          "yaml",
	})
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.Internal, "build overrides decoder", err)
	}
	if err := decoder.Decode(overrides); err != nil {
		return kilnerrors.Wrap(kilnerrors.Input, "apply configuration overrides", err)
	}
	return nil
}
