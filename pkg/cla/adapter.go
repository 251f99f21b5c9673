// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-clm/pkg/sema"
	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// ReasonTransmissionFailed is the reforwarding reason of a failed transmission.
const ReasonTransmissionFailed = "cl-failure"

// ActivityTransmissionFailed is the activity character of a failed transmission.
const ActivityTransmissionFailed byte = 'x'

// defaultRetryInterval between two attempts to start a ConvergenceSender.
const defaultRetryInterval = 10 * time.Second

// Forwarder takes back bundles which could not be transmitted.
type Forwarder interface {
	Reforward(tx *storage.Txn, id uint64, reason string) error
	ReleaseLimbo() (int, error)
}

// Telemetry tallies the transmissions.
type Telemetry interface {
	Transmitted(tx *storage.Txn, outduct string, length uint64) error
	TransmissionFailed(tx *storage.Txn, outduct string) error
	Activity(c byte)
}

// Adapter drives one outduct. It transmits the bundles of the outduct's
// transmit buffer through its ConvergenceSender whenever woken up.
//
// While the ConvergenceSender cannot be started, the outduct is marked as
// blocked. After a successful restart, the outduct is unblocked and the limbo
// is released.
type Adapter struct {
	outduct string

	store     *storage.Store
	sem       *sema.Semaphore
	sender    ConvergenceSender
	forwarder Forwarder
	telemetry Telemetry

	retryInterval time.Duration
	started       bool
}

// NewAdapter for an outduct, using the ConvergenceSender.
func NewAdapter(
	store *storage.Store, signals *sema.Table, outduct string,
	sender ConvergenceSender, forwarder Forwarder, telemetry Telemetry,
) *Adapter {
	return &Adapter{
		outduct: outduct,

		store:     store,
		sem:       signals.Outduct(outduct),
		sender:    sender,
		forwarder: forwarder,
		telemetry: telemetry,

		retryInterval: defaultRetryInterval,
	}
}

func (a *Adapter) log() *log.Entry {
	return log.WithFields(log.Fields{
		"outduct": a.outduct,
		"cla":     a.sender.Address(),
	})
}

// SetRetryInterval between two starting attempts of the ConvergenceSender.
func (a *Adapter) SetRetryInterval(d time.Duration) {
	a.retryInterval = d
}

// Run the Adapter until its semaphore is ended or the context is done.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.stop()

	if err := a.recover(); err != nil {
		return fmt.Errorf("recovering in-flight bundles of %s failed: %w", a.outduct, err)
	}

	for !a.sem.Ended() && ctx.Err() == nil {
		if !a.started {
			if err := a.start(); err != nil {
				a.wait(ctx)
				continue
			}
		}

		sent, err := a.TransmitNext()
		if err != nil {
			return err
		} else if sent || !a.started {
			continue
		}

		if err := a.sem.Take(ctx); err != nil && !errors.Is(err, sema.ErrEnded) && !errors.Is(err, context.Canceled) {
			a.log().WithError(err).Warn("Waiting for work failed")
		}
	}
	return nil
}

func (a *Adapter) wait(ctx context.Context) {
	timer := time.NewTimer(a.retryInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-a.sem.Done():
	case <-ctx.Done():
	}
}

// start the ConvergenceSender and update the outduct's blocked state.
func (a *Adapter) start() error {
	err, retry := a.sender.Start()
	if err != nil {
		a.log().WithError(err).WithField("retry", retry).Info("Starting convergence layer failed, outduct is blocked")
		if blockErr := a.setBlocked(true); blockErr != nil {
			a.log().WithError(blockErr).Warn("Blocking outduct failed")
		}
		return err
	}

	a.started = true
	a.log().Info("Started convergence layer")

	if err := a.setBlocked(false); err != nil {
		a.log().WithError(err).Warn("Unblocking outduct failed")
	} else if n, err := a.forwarder.ReleaseLimbo(); err != nil {
		a.log().WithError(err).Warn("Releasing limbo failed")
	} else if n > 0 {
		a.log().WithField("bundles", n).Debug("Released limbo after outduct became usable")
	}
	return nil
}

func (a *Adapter) stop() {
	if !a.started {
		return
	}
	a.started = false

	if err := a.sender.Close(); err != nil {
		a.log().WithError(err).Debug("Closing convergence layer errored")
	}
}

func (a *Adapter) setBlocked(blocked bool) error {
	return a.store.Update(func(tx *storage.Txn) error {
		od, err := tx.Outduct(a.outduct)
		if err != nil {
			return err
		}
		if od.Blocked == blocked {
			return nil
		}

		od.Blocked = blocked
		return tx.PutOutduct(od)
	})
}

// recover reforwards the bundles left in flight by a previous run.
func (a *Adapter) recover() error {
	return a.store.Update(func(tx *storage.Txn) error {
		ids, err := tx.Queue(storage.InflightQueue(a.outduct))
		if err != nil {
			return err
		}

		for _, id := range ids {
			if err := a.forwarder.Reforward(tx, id, ReasonTransmissionFailed); err != nil {
				return err
			}
		}
		if len(ids) > 0 {
			tx.OnCommit(func() {
				a.log().WithField("bundles", len(ids)).Info("Reforwarded bundles left in flight")
			})
		}
		return nil
	})
}

// TransmitNext takes the head of the transmit buffer and sends it. The bundle
// is moved in flight within a transaction and sent outside of it; afterwards,
// it is destroyed or, on failure, reforwarded. If the transmit buffer is
// empty, sent is false. An error is only returned for a failing store.
func (a *Adapter) TransmitNext() (sent bool, err error) {
	var (
		rec      storage.BundleRecord
		ok       bool
		inflight = storage.InflightQueue(a.outduct)
	)
	if err = a.store.Update(func(tx *storage.Txn) (err error) {
		rec, ok, err = tx.Head(storage.XmitQueue(a.outduct))
		if err != nil || !ok {
			return
		}
		return tx.Enqueue(rec.Id, inflight)
	}); err != nil || !ok {
		return
	}

	payload, err := a.store.ReadPayload(rec.Bundle.Payload)
	if err != nil {
		return false, fmt.Errorf("reading payload of %v failed: %w", rec.Bundle.ID(), err)
	}

	sendErr := a.sender.Send(rec.Bundle, payload)

	err = a.store.Update(func(tx *storage.Txn) error {
		current, err := tx.Bundle(rec.Id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}

		// Only finish bundles still in flight.
		if current.QueueKey != inflight {
			return nil
		}

		if sendErr == nil {
			if err := a.telemetry.Transmitted(tx, a.outduct, rec.Bundle.PayloadLength()); err != nil {
				return err
			}
			return tx.DestroyBundle(rec.Id)
		}

		if err := a.telemetry.TransmissionFailed(tx, a.outduct); err != nil {
			return err
		}
		if err := a.forwarder.Reforward(tx, rec.Id, ReasonTransmissionFailed); err != nil {
			return err
		}
		tx.OnCommit(func() { a.telemetry.Activity(ActivityTransmissionFailed) })
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("finishing transmission of %v failed: %w", rec.Bundle.ID(), err)
	}

	if sendErr != nil {
		a.log().WithError(sendErr).WithField("bundle", rec.Bundle.ID()).Warn("Transmission failed, restarting convergence layer")
		a.stop()
		return false, nil
	}

	a.log().WithField("bundle", rec.Bundle.ID()).Debug("Transmitted bundle")
	return true, nil
}
