// Package config loads the previewctl configuration file.
//
// The file is YAML. ${NAME} references are replaced with the value of the
// environment variable NAME before parsing; ${NAME:-fallback} substitutes
// fallback when NAME is unset or empty. Unknown keys are an error.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/docspreview/previewctl/internal/blob"
	"github.com/docspreview/previewctl/internal/descriptor"
)

// Config is the whole configuration file.
type Config struct {
	Environment descriptor.StaticConfig `yaml:"environment"`
	State       StateConfig             `yaml:"state"`
	Provider    ProviderConfig          `yaml:"provider"`
	Lifecycle   LifecycleConfig         `yaml:"lifecycle"`
	Status      StatusConfig            `yaml:"status"`
}

// StateConfig selects where environment records and locks live.
type StateConfig struct {
	// Type is the object store backend: s3, gcs, azure or memory.
	Type           string `yaml:"type"`
	// Bucket also names the in-process store of the memory backend.
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	StorageAccount string `yaml:"storage_account"`
	Container      string `yaml:"container"`
	KMSKeyID       string `yaml:"kms_key_id"`
	KMSKeyName     string `yaml:"kms_key_name"`
	MaxRetries     *int   `yaml:"max_retries"`
	RetryBackoff   string `yaml:"retry_backoff"`

	Lock LockConfig `yaml:"lock"`
}

// LockConfig configures environment locking.
type LockConfig struct {
	// Backend is "object" (lock objects next to the records) or
	// "dynamodb".
	Backend string        `yaml:"backend"`
	Table   string        `yaml:"table"`
	TTL     time.Duration `yaml:"ttl"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProviderConfig selects the cloud provider.
type ProviderConfig struct {
	// Type is aws or memory.
	Type           string        `yaml:"type"`
	Region         string        `yaml:"region"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	DeployWait     time.Duration `yaml:"deploy_wait"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	// Refresh reads every recorded resource before planning.
	Refresh bool `yaml:"refresh"`
}

// LifecycleConfig tunes retries and pruning.
type LifecycleConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	PruneConcurrency int           `yaml:"prune_concurrency"`
}

// StatusConfig configures commit status reporting.
type StatusConfig struct {
	Enabled    bool          `yaml:"enabled"`
	APIURL     string        `yaml:"api_url"`
	Repository string        `yaml:"repository"`
	Context    string        `yaml:"context"`
	TokenEnv   string        `yaml:"token_env"`
	MaxRetries *int          `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Defaults.
const (
	DefaultStateType        = "s3"
	DefaultLockBackend      = "object"
	DefaultLockTimeout      = 2 * time.Minute
	DefaultProviderType     = "aws"
	DefaultCallTimeout      = 5 * time.Minute
	DefaultMaxConcurrency   = 16
	DefaultMaxRetries       = 3
	DefaultMaxAttempts      = 3
	DefaultInitialBackoff   = 5 * time.Second
	DefaultMaxBackoff       = time.Minute
	DefaultPruneConcurrency = 4
	DefaultStatusAPIURL     = "https://api.github.com"
	DefaultStatusContext    = "docs-preview"
	DefaultStatusTokenEnv   = "GITHUB_TOKEN"
	DefaultStatusTimeout    = 30 * time.Second
)

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse reads a configuration document from r, expands environment
// references, applies defaults and validates the result.
func Parse(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	expanded, err := expandEnv(raw, os.LookupEnv)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnv replaces ${NAME} and ${NAME:-fallback}. A reference to an
// unset variable without fallback is an error.
func expandEnv(data []byte, lookup func(string) (string, bool)) ([]byte, error) {
	var missing *multierror.Error
	out := envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		name := string(sub[1])
		if v, ok := lookup(name); ok && v != "" {
			return []byte(v)
		}
		if len(sub[2]) > 0 {
			return sub[3]
		}
		missing = multierror.Append(missing, fmt.Errorf("environment variable %s is not set", name))
		return nil
	})
	if err := missing.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("expand: %w", err)
	}
	return out, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	s := &c.State
	if s.Type == "" {
		s.Type = DefaultStateType
	}
	if s.Region == "" {
		s.Region = c.Provider.Region
	}
	if s.MaxRetries == nil {
		n := DefaultMaxRetries
		s.MaxRetries = &n
	}
	if s.RetryBackoff == "" {
		s.RetryBackoff = blob.BackoffExponential
	}
	if s.Lock.Backend == "" {
		s.Lock.Backend = DefaultLockBackend
	}
	if s.Lock.Timeout == 0 {
		s.Lock.Timeout = DefaultLockTimeout
	}

	p := &c.Provider
	if p.Type == "" {
		p.Type = DefaultProviderType
	}
	if p.CallTimeout == 0 {
		p.CallTimeout = DefaultCallTimeout
	}
	if p.DeployWait == 0 {
		p.DeployWait = p.CallTimeout * 9 / 10
	}
	if p.MaxConcurrency == 0 {
		p.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.Environment.Region == "" {
		c.Environment.Region = p.Region
	}

	l := &c.Lifecycle
	if l.MaxAttempts == 0 {
		l.MaxAttempts = DefaultMaxAttempts
	}
	if l.InitialBackoff == 0 {
		l.InitialBackoff = DefaultInitialBackoff
	}
	if l.MaxBackoff == 0 {
		l.MaxBackoff = DefaultMaxBackoff
	}
	if l.PruneConcurrency == 0 {
		l.PruneConcurrency = DefaultPruneConcurrency
	}

	st := &c.Status
	if st.APIURL == "" {
		st.APIURL = DefaultStatusAPIURL
	}
	if st.Repository == "" {
		st.Repository = c.Environment.Repository
	}
	if st.Context == "" {
		st.Context = DefaultStatusContext
	}
	if st.TokenEnv == "" {
		st.TokenEnv = DefaultStatusTokenEnv
	}
	if st.MaxRetries == nil {
		n := DefaultMaxRetries
		st.MaxRetries = &n
	}
	if st.Timeout == 0 {
		st.Timeout = DefaultStatusTimeout
	}
}

// Validate reports every problem with c in one error. The environment
// section is checked by descriptor.Build when an identifier is known.
func (c *Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	s := c.State
	switch s.Type {
	case "s3", "gcs":
		if s.Bucket == "" {
			add("state.bucket is required for %s", s.Type)
		}
	case "azure":
		if s.StorageAccount == "" || s.Container == "" {
			add("state.storage_account and state.container are required for azure")
		}
	case "memory":
	default:
		add("state.type %q must be s3, gcs, azure or memory", s.Type)
	}
	if *s.MaxRetries < 0 {
		add("state.max_retries must not be negative")
	}
	if s.RetryBackoff != blob.BackoffExponential && s.RetryBackoff != blob.BackoffConstant {
		add("state.retry_backoff %q must be exponential or constant", s.RetryBackoff)
	}
	switch s.Lock.Backend {
	case "object":
	case "dynamodb":
		if s.Lock.Table == "" {
			add("state.lock.table is required for the dynamodb lock backend")
		}
	default:
		add("state.lock.backend %q must be object or dynamodb", s.Lock.Backend)
	}
	if s.Lock.TTL < 0 || s.Lock.Timeout < 0 {
		add("state.lock durations must not be negative")
	}

	p := c.Provider
	if p.Type != "aws" && p.Type != "memory" {
		add("provider.type %q must be aws or memory", p.Type)
	}
	if p.CallTimeout < 0 || p.DeployWait < 0 {
		add("provider durations must not be negative")
	}
	if p.CallTimeout > 0 && p.DeployWait >= p.CallTimeout {
		add("provider.deploy_wait %s must be shorter than provider.call_timeout %s", p.DeployWait, p.CallTimeout)
	}
	if p.MaxConcurrency < 1 {
		add("provider.max_concurrency must be at least 1")
	}

	l := c.Lifecycle
	if l.MaxAttempts < 1 {
		add("lifecycle.max_attempts must be at least 1")
	}
	if l.InitialBackoff < 0 || l.MaxBackoff < l.InitialBackoff {
		add("lifecycle backoff bounds are invalid: initial %s, max %s", l.InitialBackoff, l.MaxBackoff)
	}
	if l.PruneConcurrency < 1 {
		add("lifecycle.prune_concurrency must be at least 1")
	}

	st := c.Status
	if st.Enabled && st.Repository == "" {
		add("status.repository is required when status reporting is enabled")
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
