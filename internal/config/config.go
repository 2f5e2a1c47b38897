package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for agentgate.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Trust    TrustConfig    `json:"trust"`
	Confirm  ConfirmConfig  `json:"confirm"`
	Tools    ToolsConfig    `json:"tools"`
	Research ResearchConfig `json:"research"`
	Notify   NotifyConfig   `json:"notify"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	Workspace string `json:"workspace"`
	LogLevel  string `json:"logLevel"`
	LogFile   string `json:"logFile,omitempty"` // optional log file path
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type StorageConfig struct {
	DBPath string `json:"dbPath"`
}

// TrustConfig holds the workspace-default policy used until a workspace gets
// its own configuration, plus the classification table override.
type TrustConfig struct {
	Enabled          bool           `json:"enabled"`
	AutoApproveLevel string         `json:"autoApproveLevel"` // low | medium | high | critical
	PreAuthorized    []string       `json:"preAuthorized,omitempty"`
	Blacklist        []string       `json:"blacklist,omitempty"`
	ApproveOnTimeout []string       `json:"approveOnTimeout,omitempty"`
	TablePath        string         `json:"tablePath,omitempty"` // YAML rule file prepended to built-ins
	AllowFrom        FlexStringList `json:"allowFrom,omitempty"` // operator user IDs for out-of-band approval
}

type ConfirmConfig struct {
	// TTLSeconds is the auto-resolve deadline for pending confirmations.
	// 0 waits indefinitely for a human.
	TTLSeconds int `json:"ttlSeconds"`
}

type ToolsConfig struct {
	TimeoutSeconds int               `json:"timeoutSeconds"` // per-dispatch bound
	QueueSize      int               `json:"queueSize"`
	Shell          ShellToolConfig   `json:"shell"`
	Browser        BrowserToolConfig `json:"browser"`
}

type ShellToolConfig struct {
	Timeout        int `json:"timeout"`
	MaxOutputBytes int `json:"maxOutputBytes"`
}

type BrowserToolConfig struct {
	Enabled    bool   `json:"enabled"`
	ProfileDir string `json:"profileDir,omitempty"`
	Headless   bool   `json:"headless"`
}

type ResearchConfig struct {
	SimilarityThreshold float64 `json:"similarityThreshold"`
	Window              int     `json:"window"`
	BatchSize           int     `json:"batchSize"`
	MaxDepth            int     `json:"maxDepth"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	ChatID    int64          `json:"chatId"`
	AllowFrom FlexStringList `json:"allowFrom"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.agentgate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentgate"
	}
	return filepath.Join(home, ".agentgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.Trust.TablePath = ExpandPath(cfg.Trust.TablePath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

var validCategories = map[string]bool{
	"file-read": true, "file-write": true, "file-delete": true,
	"command-execute": true, "api-call": true, "data-modify": true,
	"system-config": true,
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.Trust.AutoApproveLevel {
	case "low", "medium", "high", "critical":
		// valid
	default:
		errs = append(errs, "trust.autoApproveLevel must be one of: low, medium, high, critical")
	}
	for _, set := range [][]string{cfg.Trust.PreAuthorized, cfg.Trust.Blacklist, cfg.Trust.ApproveOnTimeout} {
		for _, cat := range set {
			if !validCategories[cat] {
				errs = append(errs, fmt.Sprintf("trust: unknown operation category %q", cat))
			}
		}
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Confirm.TTLSeconds < 0 {
		errs = append(errs, "confirm.ttlSeconds must be >= 0")
	}
	if cfg.Tools.TimeoutSeconds < 1 {
		errs = append(errs, "tools.timeoutSeconds must be >= 1")
	}
	if cfg.Tools.Shell.Timeout < 1 {
		errs = append(errs, "tools.shell.timeout must be >= 1")
	}
	if cfg.Research.SimilarityThreshold <= 0 || cfg.Research.SimilarityThreshold > 1 {
		errs = append(errs, "research.similarityThreshold must be in (0, 1]")
	}
	if cfg.Research.Window < 1 || cfg.Research.BatchSize < 1 {
		errs = append(errs, "research.window and research.batchSize must be >= 1")
	}
	if cfg.Notify.Telegram.Enabled && cfg.Notify.Telegram.Token == "" {
		errs = append(errs, "notify.telegram.token is required when the notifier is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
