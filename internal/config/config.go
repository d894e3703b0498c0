package config

import (
	"time"
)

// Config holds all notesync settings.
type Config struct {
	DBPath    string          `mapstructure:"db_path" validate:"required"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Notes     NotesConfig     `mapstructure:"notes"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Queues    QueuesConfig    `mapstructure:"queues"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logs      LogsConfig      `mapstructure:"logs"`
	Watch     WatchConfig     `mapstructure:"watch"`
}

type HTTPConfig struct {
	Addr  string `mapstructure:"addr" validate:"required"`
	Debug bool   `mapstructure:"debug"`
}

type NotesConfig struct {
	Root string `mapstructure:"root" validate:"required"`
}

type RemoteConfig struct {
	URL     string        `mapstructure:"url" validate:"omitempty,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type QueuesConfig struct {
	Sync QueueConfig `mapstructure:"sync"`
}

// QueueConfig mirrors worker.QueueConfig without the processor.
type QueueConfig struct {
	Concurrent                 int           `mapstructure:"concurrent" validate:"gte=1"`
	MaxRetries                 int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryDelay                 time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	FailTaskOnProcessException bool          `mapstructure:"fail_task_on_process_exception"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

type RetentionConfig struct {
	Schedule          string `mapstructure:"schedule" validate:"required"`
	TaskMaxAgeMinutes int    `mapstructure:"task_max_age_minutes" validate:"gte=1"`
}

func (r RetentionConfig) TaskMaxAge() time.Duration {
	return time.Duration(r.TaskMaxAgeMinutes) * time.Minute
}

type LogsConfig struct {
	Level         string        `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	File          string        `mapstructure:"file"`
	MaxQueue      int           `mapstructure:"max_queue" validate:"gte=1"`
	BatchSize     int           `mapstructure:"batch_size" validate:"gte=1"`
	RetentionDays int           `mapstructure:"retention_days" validate:"gte=0"`
	MaxRecords    int           `mapstructure:"max_records" validate:"gte=0"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
}

type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`
}
