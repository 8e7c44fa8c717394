// Package collector drives the periodic inverter polling loop.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pkosek/solis-ginlong-local-monitor/internal/inverter"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/models"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/storage"
)

// Collector polls the inverter once per interval and appends each successful
// sample to the store. One goroutine runs the whole loop, so at most one poll
// is ever in flight; a cycle that overruns its interval is followed
// immediately by the next one, with no backlog of missed cycles.
type Collector struct {
	reader   inverter.Reader
	repo     storage.ReadingRepository
	interval time.Duration
	logger   logrus.FieldLogger

	// OnStored, when set, is called after each committed reading. The API
	// layer uses it to push live updates to websocket clients. It must not
	// block.
	OnStored func(models.Reading)
}

// New creates a Collector polling reader every interval.
func New(reader inverter.Reader, repo storage.ReadingRepository, interval time.Duration, logger logrus.FieldLogger) *Collector {
	return &Collector{
		reader:   reader,
		repo:     repo,
		interval: interval,
		logger:   logger,
	}
}

// Run loops until ctx is cancelled. A failed poll is logged and skipped
// entirely, with no partial or placeholder row written; the next scheduled
// cycle is the retry. A failed write is returned: if the store
// cannot commit, continuing to collect would silently lose data.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.WithField("interval", c.interval.String()).Info("collector started")

	for {
		cycleStart := time.Now()

		if err := c.cycle(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		// Drift by processing time is fine; overruns start the next cycle
		// immediately rather than queueing catch-up polls.
		wait := c.interval - time.Since(cycleStart)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			c.logger.Info("collector stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Collector) cycle(ctx context.Context) error {
	fields, err := c.reader.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.logFailure(err)
		return nil
	}

	reading := models.NewReading(time.Now(), fields)

	// The write finishes even when shutdown races the poll: aborting
	// mid-commit is worse than a slightly delayed exit.
	if err := c.repo.Insert(context.WithoutCancel(ctx), reading); err != nil {
		return fmt.Errorf("storing reading: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"power_w":          fmtField(reading.PowerW),
		"daily_energy_kwh": fmtField(reading.DailyEnergyKWH),
		"fields":           len(fields),
	}).Info("reading stored")

	if c.OnStored != nil {
		c.OnStored(reading)
	}
	return nil
}

// logFailure records a skipped cycle with enough context to diagnose the
// fault. Expected on the first cycles after boot while the network comes up.
func (c *Collector) logFailure(err error) {
	entry := c.logger.WithError(err)
	var commErr *inverter.CommError
	if errors.As(err, &commErr) {
		entry = entry.WithFields(logrus.Fields{
			"inverter": commErr.Addr,
			"op":       commErr.Op,
		})
	}
	entry.Warn("poll failed, skipping cycle")
}

func fmtField(v *float64) any {
	if v == nil {
		return "absent"
	}
	return *v
}
