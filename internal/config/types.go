package config

import "time"

// Config represents the complete repoflow configuration.
//
// The core never reads configuration on its own: main loads a Config once and
// hands the relevant sections to each constructor.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Delete    DeleteConfig    `yaml:"delete"`
	Indexers  []string        `yaml:"indexers"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name          string `yaml:"name"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	MetricsListen string `yaml:"metrics_listen,omitempty"`
	LockPath      string `yaml:"lock_path,omitempty"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig defines the durable job queue.
type QueueConfig struct {
	// Index names the queue instance; jobs enqueued under a different index
	// are invisible to this process.
	Index           string        `yaml:"index"`
	Timeout         time.Duration `yaml:"timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Workers         int           `yaml:"workers"`
	MaxAttempts     int           `yaml:"max_attempts"`
	JobLogRetention time.Duration `yaml:"job_log_retention"`
}

// SchedulerConfig drives the index and update refresh loops.
type SchedulerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IndexInterval   time.Duration `yaml:"index_interval"`
	UpdateInterval  time.Duration `yaml:"update_interval"`
	IndexFrequency  time.Duration `yaml:"index_frequency"`
	UpdateFrequency time.Duration `yaml:"update_frequency"`
}

// WorkspaceConfig defines where clones live and how many may be worked on at once.
type WorkspaceConfig struct {
	Dir           string `yaml:"dir"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// DeleteConfig defines delete-worker behaviour.
type DeleteConfig struct {
	// CancelWait bounds how long a delete waits for in-flight clone/index
	// work to acknowledge cancellation before tearing the repository down.
	CancelWait time.Duration `yaml:"cancel_wait"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "repoflow",
			LogLevel:  "info",
			LogFormat: "json",
			LockPath:  "./data/repoflow.lock",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		Queue: QueueConfig{
			Index:           "repoflow",
			Timeout:         time.Hour,
			PollInterval:    time.Second,
			Workers:         4,
			MaxAttempts:     3,
			JobLogRetention: 30 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			IndexInterval:   time.Hour,
			UpdateInterval:  5 * time.Minute,
			IndexFrequency:  24 * time.Hour,
			UpdateFrequency: 5 * time.Minute,
		},
		Workspace: WorkspaceConfig{
			Dir:           "./data/workspaces",
			MaxConcurrent: 2,
		},
		Delete: DeleteConfig{
			CancelWait: 30 * time.Second,
		},
		Indexers: []string{"file"},
	}
}
