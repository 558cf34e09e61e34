package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory containing
// config.yaml. Environment references of the form ${VAR} are expanded before
// parsing. If an integrity checksum file exists next to the config, the
// config is verified against it before being accepted.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", configPath, err)
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
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $ATTACHE_CONFIG, ~/.config/attache/config.yaml, /etc/attache/config.yaml, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("ATTACHE_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(homeDir, ".config", "attache", "config.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return userPath, nil
		}
	}

	etcPath := filepath.Join("/etc", "attache", "config.yaml")
	if _, err := os.Stat(etcPath); err == nil {
		return etcPath, nil
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml", nil
	}

	return "", fmt.Errorf("no config found; set $ATTACHE_CONFIG or pass --config")
}

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

func validate(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is empty")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is empty")
	}
	if cfg.Queue.BatchWindow <= 0 {
		return fmt.Errorf("queue.batch_window must be positive")
	}
	if cfg.Queue.MaxBatchSize <= 0 {
		return fmt.Errorf("queue.max_batch_size must be positive")
	}
	if cfg.Dispatch.MaxConcurrent <= 0 {
		return fmt.Errorf("dispatch.max_concurrent must be positive")
	}
	if cfg.Dispatch.QueueWaitTimeout < 0 {
		return fmt.Errorf("dispatch.queue_wait_timeout must not be negative")
	}
	switch cfg.Sandbox.Mode {
	case "oneshot", "persistent":
	default:
		return fmt.Errorf("sandbox.mode must be %q or %q, got %q", "oneshot", "persistent", cfg.Sandbox.Mode)
	}
	if cfg.Sandbox.Deadline <= 0 {
		return fmt.Errorf("sandbox.deadline must be positive")
	}
	if cfg.Sandbox.Heartbeat.MaxAge <= cfg.Sandbox.Heartbeat.Interval {
		return fmt.Errorf("sandbox.heartbeat.max_age must exceed the heartbeat interval")
	}
	if cfg.Sandbox.Worker.RestartLimit <= 0 {
		return fmt.Errorf("sandbox.worker.restart_limit must be positive")
	}
	if cfg.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is empty but api is enabled")
	}
	return nil
}

// ParseInterval converts a human interval string into a duration. Accepts Go
// duration syntax plus day ("3d") and week ("2w") suffixes and the words
// "hourly", "daily" and "weekly".
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}

	if n, unit, ok := splitUnitSuffix(interval); ok {
		switch unit {
		case "d":
			return time.Duration(n) * 24 * time.Hour, nil
		case "w":
			return time.Duration(n) * 7 * 24 * time.Hour, nil
		}
	}

	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive: %q", interval)
	}
	return d, nil
}

func splitUnitSuffix(s string) (int, string, bool) {
	for _, unit := range []string{"d", "w"} {
		if !strings.HasSuffix(s, unit) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(s, unit))
		if err != nil || n <= 0 {
			return 0, "", false
		}
		return n, unit, true
	}
	return 0, "", false
}
