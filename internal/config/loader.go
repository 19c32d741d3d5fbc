package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. Values absent from the
// file keep their Defaults().
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of Defaults() and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $REPOFLOW_CONFIG, ~/.config/repoflow, /etc/repoflow, ./config.yaml
func Discover() (string, error) {
	if p := os.Getenv("REPOFLOW_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "repoflow")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/repoflow"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $REPOFLOW_CONFIG, ~/.config/repoflow, /etc/repoflow, ./config.yaml)")
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can report it.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if err := checkUnresolved("state.path", cfg.State.Path); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.Queue.Index) == "" {
		return fmt.Errorf("queue.index is required")
	}
	if cfg.Queue.Timeout <= 0 {
		return fmt.Errorf("queue.timeout must be positive")
	}
	if cfg.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue.poll_interval must be positive")
	}
	if cfg.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}

	if cfg.Scheduler.Enabled {
		if cfg.Scheduler.IndexInterval <= 0 || cfg.Scheduler.UpdateInterval <= 0 {
			return fmt.Errorf("scheduler intervals must be positive when the scheduler is enabled")
		}
		if cfg.Scheduler.IndexFrequency <= 0 || cfg.Scheduler.UpdateFrequency <= 0 {
			return fmt.Errorf("scheduler frequencies must be positive when the scheduler is enabled")
		}
	}

	if cfg.Workspace.Dir == "" {
		return fmt.Errorf("workspace.dir is required")
	}
	if err := checkUnresolved("workspace.dir", cfg.Workspace.Dir); err != nil {
		return err
	}
	if cfg.Workspace.MaxConcurrent <= 0 {
		return fmt.Errorf("workspace.max_concurrent must be positive")
	}

	if cfg.Delete.CancelWait < 0 {
		return fmt.Errorf("delete.cancel_wait must not be negative")
	}
	if len(cfg.Indexers) == 0 {
		return fmt.Errorf("at least one indexer is required")
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}
