// Package scheduler runs periodic store maintenance.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/pkosek/solis-ginlong-local-monitor/internal/storage"
)

// Scheduler owns the cron running nightly store maintenance: a WAL
// checkpoint keeps the log file from growing unbounded, and ANALYZE keeps
// the timestamp index statistics current as the series grows.
type Scheduler struct {
	repo   storage.ReadingRepository
	logger logrus.FieldLogger
	cron   *cron.Cron
}

// New creates a Scheduler maintaining repo.
func New(repo storage.ReadingRepository, logger logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		repo:   repo,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start registers the maintenance job and starts the cron.
func (s *Scheduler) Start() error {
	// 03:10 local: the inverter is asleep and the dashboard idle.
	_, err := s.cron.AddFunc("10 3 * * *", s.maintain)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := s.repo.Checkpoint(ctx); err != nil {
		s.logger.WithError(err).Error("store maintenance failed")
		return
	}
	s.logger.Info("store maintenance completed")
}

// Stop stops the cron; a running job is allowed to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
