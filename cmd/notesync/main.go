package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"notesync/internal/clock"
	"notesync/internal/config"
	"notesync/internal/logsink"
	"notesync/internal/queue"
	"notesync/internal/storage"
	"notesync/internal/syncstate"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "notesync",
		Short:         "Keep a local notes directory in sync with a remote server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (toml, yaml or json)")

	load := func() (*config.Config, error) { return config.Load(cfgPath) }
	root.AddCommand(newServeCmd(load), newTasksCmd(load), newStateCmd(load))
	return root
}

// app holds what every subcommand needs.
type app struct {
	cfg   *config.Config
	db    *sql.DB
	clock clock.Clock
	sink  *logsink.Sink
	logs  *logsink.SQLiteRepo
	repo  queue.Repository
	state *syncstate.Store
	log   zerolog.Logger
}

func setupLogger(cfg *config.Config, sink *logsink.Sink) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Logs.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}}
	if cfg.Logs.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.Logs.File,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     cfg.Logs.RetentionDays,
		})
	}
	if sink != nil {
		writers = append(writers, sink)
	}
	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	clk := clock.Real{}
	sink := logsink.New(logsink.Config{
		MaxQueue:      cfg.Logs.MaxQueue,
		BatchSize:     cfg.Logs.BatchSize,
		RetentionDays: cfg.Logs.RetentionDays,
		MaxRecords:    cfg.Logs.MaxRecords,
	}, clk)
	logger := setupLogger(cfg, sink)

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	for _, ensure := range []func(*sql.DB) error{queue.EnsureSchema, syncstate.EnsureSchema, logsink.EnsureSchema} {
		if err := ensure(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	logs := logsink.NewSQLiteRepo(db)
	if err := sink.AttachRepository(ctx, logs); err != nil {
		logger.Warn().Err(err).Msg("log sink could not drain buffered records")
	}

	return &app{
		cfg:   cfg,
		db:    db,
		clock: clk,
		sink:  sink,
		logs:  logs,
		repo:  queue.NewSQLiteRepo(db),
		state: syncstate.New(syncstate.NewSQLiteKV(db)),
		log:   logger,
	}, nil
}

// Close flushes buffered log records and closes the database.
func (a *app) Close() {
	for a.sink.Pending() > 0 {
		n, err := a.sink.Flush(context.Background())
		if err != nil || n == 0 {
			break
		}
	}
	a.db.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
