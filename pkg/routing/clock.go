// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// ClockIntervals configures the periodic jobs of a Clock.
type ClockIntervals struct {
	Tick   time.Duration
	Expire time.Duration
	Limbo  time.Duration
}

// Clock replenishes the rate throttles of all plans, deletes expired bundles
// and periodically releases the limbo.
type Clock struct {
	store     *storage.Store
	forwarder *Forwarder
	cron      *Cron

	lastRefill time.Time
}

// NewClock creates and starts a Clock.
func NewClock(store *storage.Store, forwarder *Forwarder, intervals ClockIntervals) (c *Clock, err error) {
	c = &Clock{
		store:      store,
		forwarder:  forwarder,
		cron:       NewCron(intervals.Tick),
		lastRefill: time.Now(),
	}

	jobs := []struct {
		name     string
		run      CronJob
		interval time.Duration
	}{
		{"replenish", c.replenishJob, intervals.Tick},
		{"expire", c.expireJob, intervals.Expire},
		{"limbo", c.limboJob, intervals.Limbo},
	}

	for _, job := range jobs {
		if regErr := c.cron.Register(job.name, job.interval, job.run); regErr != nil {
			err = multierror.Append(err, regErr)
		}
	}

	if err != nil {
		c.cron.Stop()
		c = nil
	}
	return
}

// Close stops the Clock.
func (c *Clock) Close() {
	c.cron.Stop()
}

// replenishJob is never executed concurrently with itself, so lastRefill
// needs no lock.
func (c *Clock) replenishJob(now time.Time) {
	if err := Replenish(c.store, now.Sub(c.lastRefill)); err != nil {
		log.WithError(err).Warn("Failed to replenish rate throttles")
		return
	}
	c.lastRefill = now
}

func (c *Clock) expireJob(now time.Time) {
	if n := c.store.DeleteExpired(now); n > 0 {
		log.WithField("bundles", n).Info("Deleted expired bundles")
	}
}

func (c *Clock) limboJob(time.Time) {
	if _, err := c.forwarder.ReleaseLimbo(); err != nil {
		log.WithError(err).Warn("Failed to release limbo")
	}
}

// Replenish adds the nominal rate per elapsed second to the capacity of each
// rate-limited plan. The capacity is capped at one second worth of nominal rate.
func Replenish(store *storage.Store, elapsed time.Duration) error {
	return store.Update(func(tx *storage.Txn) error {
		plans, err := tx.Plans()
		if err != nil {
			return err
		}

		for _, pr := range plans {
			if pr.NominalRate == 0 {
				continue
			}

			limit := int64(pr.NominalRate)
			refill := int64(float64(pr.NominalRate) * elapsed.Seconds())

			capacity := pr.Capacity + refill
			if capacity > limit {
				capacity = limit
			}
			if capacity == pr.Capacity {
				continue
			}

			pr.Capacity = capacity
			if err := tx.PutPlan(pr); err != nil {
				return err
			}
		}
		return nil
	})
}
