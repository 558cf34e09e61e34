package config

import "time"

// Config represents the complete attache configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	API       APIConfig       `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StoreConfig defines durable state storage settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig defines ingestion queue batching and retry behavior.
type QueueConfig struct {
	BatchWindow  time.Duration `yaml:"batch_window"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	StalledAfter time.Duration `yaml:"stalled_after"`
	Retry        RetryConfig   `yaml:"retry"`
}

// RetryConfig defines bounded exponential backoff behavior.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// DispatchConfig defines admission control settings.
type DispatchConfig struct {
	MaxConcurrent         int           `yaml:"max_concurrent"`
	QueueWaitTimeout      time.Duration `yaml:"queue_wait_timeout"` // zero waits indefinitely
	InterruptOnNewMessage bool          `yaml:"interrupt_on_new_message"`
	PollInterval          time.Duration `yaml:"poll_interval"`
}

// SandboxConfig defines how sandboxed executions are launched and supervised.
type SandboxConfig struct {
	Command     []string        `yaml:"command"`
	Mode        string          `yaml:"mode"` // oneshot | persistent
	IPCRoot     string          `yaml:"ipc_root"`
	Deadline    time.Duration   `yaml:"deadline"`
	OutputLimit int             `yaml:"output_limit"`
	Heartbeat   HeartbeatConfig `yaml:"heartbeat"`
	Worker      WorkerConfig    `yaml:"worker"`
}

// HeartbeatConfig defines sandbox liveness signaling.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// WorkerConfig defines persistent worker lifecycle settings.
type WorkerConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	HealthInterval time.Duration `yaml:"health_interval"`
	RestartWindow  time.Duration `yaml:"restart_window"`
	RestartLimit   int           `yaml:"restart_limit"`
}

// SchedulerConfig defines scheduled task firing behavior.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Retry        RetryConfig   `yaml:"retry"`
}

// APIConfig defines HTTP admin API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// Defaults returns a Config with workable defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "attache",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Store: StoreConfig{
			Path: "./data/attache.db",
		},
		Queue: QueueConfig{
			BatchWindow:  2 * time.Second,
			MaxBatchSize: 50,
			StalledAfter: 5 * time.Minute,
			Retry: RetryConfig{
				MaxAttempts: 4,
				BackoffBase: 3 * time.Second,
				BackoffMax:  60 * time.Second,
			},
		},
		Dispatch: DispatchConfig{
			MaxConcurrent:         4,
			QueueWaitTimeout:      0,
			InterruptOnNewMessage: false,
			PollInterval:          250 * time.Millisecond,
		},
		Sandbox: SandboxConfig{
			Mode:        "oneshot",
			IPCRoot:     "./data/ipc",
			Deadline:    2 * time.Minute,
			OutputLimit: 256 * 1024,
			Heartbeat: HeartbeatConfig{
				Interval: 10 * time.Second,
				MaxAge:   30 * time.Second,
			},
			Worker: WorkerConfig{
				IdleTimeout:    15 * time.Minute,
				GracePeriod:    5 * time.Second,
				HealthInterval: 5 * time.Second,
				RestartWindow:  5 * time.Minute,
				RestartLimit:   3,
			},
		},
		Scheduler: SchedulerConfig{
			TickInterval: 15 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 4,
				BackoffBase: 30 * time.Second,
				BackoffMax:  30 * time.Minute,
			},
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
