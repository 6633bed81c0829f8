// Package config assembles ralph's run configuration from CLI flags, a
// YAML config file, and built-in defaults (spec §6), and watches the config
// file and prompt template directory for hot reload (spec §4.1's
// "RecoverPrimaryBetweenIterations"/agent-chain settings can change between
// runs without a restart). The three-tier merge and the temp-then-validate
// flow are grounded on baiirun-aetherflow's internal/daemon/config.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAgent               = "claude"
	DefaultMaxIterations       = 0 // 0 = unbounded
	DefaultMaxRetries          = 3
	DefaultRetryDelay          = 5 * time.Second
	DefaultIterationDelay      = 0
	DefaultBaseBackoff         = 5 * time.Second
	DefaultMaxRateLimitRetries = 3
	DefaultLogDir              = ".ralph/logs"
	DefaultErrorStrategy       = "retry"
	DefaultMaxConcurrency      = 3
)

// validEpicName restricts the epic/session identifier to safe characters
// for use in log file names and worktree branch names, mirroring the
// teacher's validProjectName guard against path traversal and shell
// interpretation.
var validEpicName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Config is ralph's run configuration, assembled from three sources in
// priority order: CLI flags (highest), config file (.ralph.yaml), defaults
// (lowest) — same precedence baiirun-aetherflow's Config documents.
type Config struct {
	// Epic names this run for logging/worktree-branch purposes.
	Epic string `yaml:"epic"`

	// RepoDir is the repository root the engine operates against.
	RepoDir string `yaml:"repo_dir"`

	// Agent is the primary agent plugin ID ("claude", "opencode", "codex").
	Agent string `yaml:"agent"`

	// Fallbacks lists agent plugin IDs tried in order when Agent is
	// rate-limited (spec §4.2).
	Fallbacks []string `yaml:"fallbacks"`

	// Model is the model alias passed to the agent CLI, if any.
	Model string `yaml:"model"`

	MaxIterations       int           `yaml:"max_iterations"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	IterationDelay      time.Duration `yaml:"iteration_delay"`
	BaseBackoff         time.Duration `yaml:"base_backoff"`
	MaxRateLimitRetries int           `yaml:"max_rate_limit_retries"`
	ErrorStrategy       string        `yaml:"error_strategy"` // retry | skip | abort

	RecoverPrimaryBetweenIterations bool `yaml:"recover_primary_between_iterations"`
	AutoCommit                      bool `yaml:"auto_commit"`

	// PromptDir overrides the built-in default prompt template with a file
	// from this directory. Empty means use the compiled-in template.
	PromptDir string `yaml:"prompt_dir"`

	LogDir string `yaml:"log_dir"`

	// MaxConcurrency bounds the parallel executor's simultaneous worktrees
	// (spec §4.6).
	MaxConcurrency int `yaml:"max_concurrency"`

	// SandboxImage, when set, runs agents inside this Docker image (spec
	// §4.3 sandbox wrapper). Empty means no sandboxing.
	SandboxImage string `yaml:"sandbox_image"`
}

// ApplyDefaults fills zero-valued fields with sensible defaults, mirroring
// baiirun-aetherflow's ApplyDefaults.
func (c *Config) ApplyDefaults() {
	if c.Agent == "" {
		c.Agent = DefaultAgent
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxRateLimitRetries == 0 {
		c.MaxRateLimitRetries = DefaultMaxRateLimitRetries
	}
	if c.ErrorStrategy == "" {
		c.ErrorStrategy = DefaultErrorStrategy
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	// PromptDir, SandboxImage, Fallbacks, MaxIterations intentionally have
	// no default — zero means "use built-in behavior" for each.
}

// Validate checks configuration values, mirroring baiirun-aetherflow's Validate.
// Call after ApplyDefaults.
func (c *Config) Validate() error {
	if c.Epic == "" {
		return fmt.Errorf("epic is required (use --epic or set epic in config file)")
	}
	if !validEpicName.MatchString(c.Epic) {
		return fmt.Errorf("epic name %q contains invalid characters (allowed: letters, digits, hyphens, underscores, dots)", c.Epic)
	}
	if c.RepoDir == "" {
		return fmt.Errorf("repo-dir is required")
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max-iterations must be non-negative, got %d", c.MaxIterations)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max-retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max-concurrency must be positive, got %d", c.MaxConcurrency)
	}
	switch c.ErrorStrategy {
	case "retry", "skip", "abort":
	default:
		return fmt.Errorf("error-strategy must be retry, skip, or abort, got %q", c.ErrorStrategy)
	}

	if c.PromptDir != "" {
		if !filepath.IsAbs(c.PromptDir) {
			abs, err := filepath.Abs(c.PromptDir)
			if err != nil {
				return fmt.Errorf("resolving prompt-dir %q: %w", c.PromptDir, err)
			}
			c.PromptDir = abs
		}
		if info, err := os.Stat(c.PromptDir); err != nil || !info.IsDir() {
			return fmt.Errorf("prompt-dir %q must be an existing directory", c.PromptDir)
		}
	}

	if !filepath.IsAbs(c.LogDir) {
		abs, err := filepath.Abs(c.LogDir)
		if err != nil {
			return fmt.Errorf("resolving log-dir %q: %w", c.LogDir, err)
		}
		c.LogDir = abs
	}

	return nil
}

// LoadConfigFile reads a YAML config file and merges it into into. Only
// zero-valued fields on into are overwritten, so CLI flags set before
// calling this take precedence. Returns nil if the file does not exist.
func LoadConfigFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	mergeConfig(&file, into)
	return nil
}

// mergeConfig copies non-zero fields from src into dst wherever dst still
// holds its zero value, the same one-directional merge baiirun-aetherflow's
// mergeConfig implements.
func mergeConfig(src, dst *Config) {
	if dst.Epic == "" {
		dst.Epic = src.Epic
	}
	if dst.RepoDir == "" {
		dst.RepoDir = src.RepoDir
	}
	if dst.Agent == "" {
		dst.Agent = src.Agent
	}
	if len(dst.Fallbacks) == 0 {
		dst.Fallbacks = src.Fallbacks
	}
	if dst.Model == "" {
		dst.Model = src.Model
	}
	if dst.MaxIterations == 0 {
		dst.MaxIterations = src.MaxIterations
	}
	if dst.MaxRetries == 0 {
		dst.MaxRetries = src.MaxRetries
	}
	if dst.RetryDelay == 0 {
		dst.RetryDelay = src.RetryDelay
	}
	if dst.IterationDelay == 0 {
		dst.IterationDelay = src.IterationDelay
	}
	if dst.BaseBackoff == 0 {
		dst.BaseBackoff = src.BaseBackoff
	}
	if dst.MaxRateLimitRetries == 0 {
		dst.MaxRateLimitRetries = src.MaxRateLimitRetries
	}
	if dst.ErrorStrategy == "" {
		dst.ErrorStrategy = src.ErrorStrategy
	}
	if src.RecoverPrimaryBetweenIterations && !dst.RecoverPrimaryBetweenIterations {
		dst.RecoverPrimaryBetweenIterations = true
	}
	if src.AutoCommit && !dst.AutoCommit {
		dst.AutoCommit = true
	}
	if dst.PromptDir == "" {
		dst.PromptDir = src.PromptDir
	}
	if dst.LogDir == "" {
		dst.LogDir = src.LogDir
	}
	if dst.MaxConcurrency == 0 {
		dst.MaxConcurrency = src.MaxConcurrency
	}
	if dst.SandboxImage == "" {
		dst.SandboxImage = src.SandboxImage
	}
}
