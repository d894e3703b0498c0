package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"notesync/internal/scheduler"
)

// EnvPrefix is prepended to every environment override, e.g.
// NOTESYNC_HTTP_ADDR for http.addr.
const EnvPrefix = "NOTESYNC"

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "notesync.db")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.debug", false)
	v.SetDefault("notes.root", "notes")
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.timeout", "30s")

	v.SetDefault("queues.sync.concurrent", 1)
	v.SetDefault("queues.sync.max_retries", 2)
	v.SetDefault("queues.sync.retry_delay", "1s")
	v.SetDefault("queues.sync.fail_task_on_process_exception", true)

	v.SetDefault("scheduler.poll_interval", "250ms")
	v.SetDefault("retention.schedule", "@every 10m")
	v.SetDefault("retention.task_max_age_minutes", 60)

	v.SetDefault("logs.level", "info")
	v.SetDefault("logs.file", "")
	v.SetDefault("logs.max_queue", 1000)
	v.SetDefault("logs.batch_size", 50)
	v.SetDefault("logs.retention_days", 7)
	v.SetDefault("logs.max_records", 10000)
	v.SetDefault("logs.flush_interval", "5s")

	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.debounce", "500ms")
}

// Load reads path (any format viper understands) when it is non-empty,
// applies NOTESYNC_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the retention cron expression.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := scheduler.ValidateSchedule(cfg.Retention.Schedule); err != nil {
		return fmt.Errorf("invalid config: retention.schedule: %w", err)
	}
	return nil
}
