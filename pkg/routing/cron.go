// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CronJob is executed with the tick time which made it due.
type CronJob func(now time.Time)

type cronEntry struct {
	run   CronJob
	every time.Duration
	due   time.Time
	busy  bool
}

// Cron executes the periodic jobs of a Clock. A job is never executed
// concurrently with itself; a tick hitting a still running job skips it.
type Cron struct {
	mutex   sync.Mutex
	entries map[string]*cronEntry
	running sync.WaitGroup

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewCron starts an empty Cron, checking for due jobs every tick.
func NewCron(tick time.Duration) *Cron {
	cron := &Cron{
		entries: make(map[string]*cronEntry),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	go cron.handler(tick)
	return cron
}

func (cron *Cron) handler(tick time.Duration) {
	defer close(cron.stopAck)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-cron.stopSyn:
			cron.running.Wait()
			return

		case now := <-ticker.C:
			cron.dispatch(now)
		}
	}
}

func (cron *Cron) dispatch(now time.Time) {
	cron.mutex.Lock()
	defer cron.mutex.Unlock()

	for name, entry := range cron.entries {
		if now.Before(entry.due) {
			continue
		}
		if entry.busy {
			log.WithField("job", name).Debug("Cron job is still running, skipping tick")
			continue
		}

		// Missed ticks are not caught up.
		if entry.due = entry.due.Add(entry.every); entry.due.Before(now) {
			entry.due = now.Add(entry.every)
		}
		entry.busy = true

		cron.running.Add(1)
		go cron.execute(name, entry, now)
	}
}

func (cron *Cron) execute(name string, entry *cronEntry, now time.Time) {
	defer cron.running.Done()

	start := time.Now()
	entry.run(now)

	cron.mutex.Lock()
	entry.busy = false
	cron.mutex.Unlock()

	log.WithFields(log.Fields{
		"job":      name,
		"duration": time.Since(start),
	}).Trace("Cron job finished")
}

// Register a job to be executed every interval. Jobs are executed in their
// own goroutines.
func (cron *Cron) Register(name string, every time.Duration, run CronJob) error {
	if every <= 0 {
		return fmt.Errorf("interval %v of job %s is not positive", every, name)
	}

	cron.mutex.Lock()
	defer cron.mutex.Unlock()

	if _, exists := cron.entries[name]; exists {
		return fmt.Errorf("job %s is already registered", name)
	}

	cron.entries[name] = &cronEntry{
		run:   run,
		every: every,
		due:   time.Now().Add(every),
	}
	return nil
}

// Stop the Cron and wait for running jobs. Stop must only be called once.
func (cron *Cron) Stop() {
	close(cron.stopSyn)
	<-cron.stopAck
}
