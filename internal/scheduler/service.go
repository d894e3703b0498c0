package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"notesync/internal/clock"
	"notesync/internal/queue"
)

// Maintainer is anything with its own retention pass, such as the log sink.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Service runs retention on a cron schedule: terminal tasks older than
// maxAge are deleted and every Maintainer gets a pass.
type Service struct {
	repo        queue.Repository
	cron        *cron.Cron
	spec        string
	maxAge      time.Duration
	maintainers []Maintainer
	clock       clock.Clock
	log         zerolog.Logger
	ctx         context.Context
}

func NewService(repo queue.Repository, spec string, maxAge time.Duration, clk clock.Clock, log zerolog.Logger, maintainers ...Maintainer) *Service {
	return &Service{
		repo:        repo,
		cron:        cron.New(),
		spec:        spec,
		maxAge:      maxAge,
		maintainers: maintainers,
		clock:       clk,
		log:         log,
	}
}

// Start schedules the retention job. It runs until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.ctx = ctx
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(s.ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Str("schedule", s.spec).Dur("max_age", s.maxAge).Msg("retention service started")
	return nil
}

// Stop waits for a running retention pass to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce performs one retention pass.
func (s *Service) RunOnce(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.maxAge)
	n, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to delete old tasks")
	} else if n > 0 {
		s.log.Info().Int("removed", n).Time("cutoff", cutoff).Msg("old tasks removed")
	}
	for _, m := range s.maintainers {
		if err := m.Maintain(ctx); err != nil {
			s.log.Error().Err(err).Msg("retention pass failed")
		}
	}
}

// ValidateSchedule validates a cron expression or descriptor such as
// "@every 10m".
func ValidateSchedule(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
