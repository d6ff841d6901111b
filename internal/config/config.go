// Package config loads the immutable per-run settings snapshot.
//
// Precedence, lowest to highest: built-in defaults, the project's
// .autoloop/config.yaml, AUTOLOOP_* environment variables, CLI flags
// (applied by the command layer). A Settings value is taken once at
// process start and never mutated mid-run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the YAML config file looked up under the project's
// .autoloop directory.
const ConfigFileName = "config.yaml"

// Settings is the immutable snapshot of configuration for one run.
type Settings struct {
	// Agent subprocess invocation.
	AgentBinary string `yaml:"agent_binary"`
	Model       string `yaml:"model"`
	LogLevel    string `yaml:"log_level"`

	// Session bounds.
	SessionTimeoutMinutes int `yaml:"session_timeout_minutes"`
	IdleTimeoutSeconds    int `yaml:"idle_timeout_seconds"`

	// EarlyTerminationPatterns are substrings of agent stdout that end a
	// session before natural exit.
	EarlyTerminationPatterns []string `yaml:"early_termination_patterns"`

	// Run loop policy.
	MaxIterations   int `yaml:"max_iterations"`
	MaxRetries      int `yaml:"max_retries"`
	DelaySeconds    int `yaml:"delay_seconds"`
	NoProgressLimit int `yaml:"no_progress_limit"`

	// Paths. DatabasePath and StopFilePath are resolved relative to the
	// project root when not absolute.
	DatabasePath string `yaml:"database_path"`
	StopFilePath string `yaml:"stop_file_path"`
	LogDir       string `yaml:"log_dir"`
	WorktreeRoot string `yaml:"worktree_root"`

	// Parallel mode.
	WorkerCount int    `yaml:"worker_count"`
	BaseBranch  string `yaml:"base_branch"`

	// Side effects on a verified pass.
	WebhookURL string `yaml:"webhook_url"`
	AutoCommit bool   `yaml:"auto_commit"`

	// Enhance enables the open-ended enhancement phase after all features
	// pass, instead of completing the run.
	Enhance bool `yaml:"enhance"`

	// Security policy for verification commands.
	BlockedCommands []string `yaml:"blocked_commands"`
	EnforceSecurity bool     `yaml:"enforce_security"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		AgentBinary:           "agent",
		Model:                 "sonnet",
		LogLevel:              "info",
		SessionTimeoutMinutes: 30,
		IdleTimeoutSeconds:    300,
		EarlyTerminationPatterns: []string{
			"ALL FEATURES COMPLETE",
			"NOTHING LEFT TO DO",
		},
		MaxIterations:   0, // unlimited
		MaxRetries:      5,
		DelaySeconds:    5,
		NoProgressLimit: 10,
		DatabasePath:    filepath.Join(".autoloop", "features.db"),
		StopFilePath:    filepath.Join(".autoloop", "stop"),
		LogDir:          filepath.Join(".autoloop", "logs"),
		WorktreeRoot:    ".worktrees",
		WorkerCount:     3,
		BaseBranch:      "main",
		BlockedCommands: []string{
			"rm -rf /",
			"git push --force",
			"sudo ",
		},
		EnforceSecurity: true,
	}
}

// SessionTimeout returns the wall-clock session bound as a duration.
func (s Settings) SessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeoutMinutes) * time.Minute
}

// IdleTimeout returns the output-stall bound as a duration.
func (s Settings) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// Delay returns the base retry delay as a duration.
func (s Settings) Delay() time.Duration {
	return time.Duration(s.DelaySeconds) * time.Second
}

// Validate checks for settings that would make the run nonsensical.
func (s Settings) Validate() error {
	if s.AgentBinary == "" {
		return fmt.Errorf("agent_binary cannot be empty")
	}
	if s.SessionTimeoutMinutes <= 0 {
		return fmt.Errorf("session_timeout_minutes must be positive, got %d", s.SessionTimeoutMinutes)
	}
	if s.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("idle_timeout_seconds must be positive, got %d", s.IdleTimeoutSeconds)
	}
	if s.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", s.MaxRetries)
	}
	if s.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive, got %d", s.WorkerCount)
	}
	if s.DatabasePath == "" {
		return fmt.Errorf("database_path cannot be empty")
	}
	return nil
}

// Load builds the settings snapshot for a project root: defaults, then the
// YAML file under <root>/.autoloop if present, then environment overrides.
func Load(projectRoot string) (Settings, error) {
	s := DefaultSettings()

	path := filepath.Join(projectRoot, ".autoloop", ConfigFileName)
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return s, fmt.Errorf("reading config file: %w", err)
	}

	applyEnv(&s)

	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

// applyEnv overlays AUTOLOOP_* environment variables.
func applyEnv(s *Settings) {
	if v := os.Getenv("AUTOLOOP_AGENT"); v != "" {
		s.AgentBinary = v
	}
	if v := os.Getenv("AUTOLOOP_MODEL"); v != "" {
		s.Model = v
	}
	if v := os.Getenv("AUTOLOOP_DB"); v != "" {
		s.DatabasePath = v
	}
	if v := os.Getenv("AUTOLOOP_WEBHOOK_URL"); v != "" {
		s.WebhookURL = v
	}
	if v := os.Getenv("AUTOLOOP_AUTO_COMMIT"); v != "" {
		s.AutoCommit = v == "true" || v == "1"
	}
	if v := os.Getenv("AUTOLOOP_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.WorkerCount = n
		}
	}
	if v := os.Getenv("AUTOLOOP_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.MaxRetries = n
		}
	}
}
