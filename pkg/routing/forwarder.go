// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package routing assigns bundles to the egress plans of neighbors, holds
// bundles without a usable outduct in limbo and runs a node's periodic jobs.
package routing

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
	"github.com/dtn7/dtn7-clm/pkg/contact"
	"github.com/dtn7/dtn7-clm/pkg/sema"
	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// Forwarder routes the bundles of the forward queue onto the issuance queues
// of egress plans. Bundles without a route are held in limbo.
type Forwarder struct {
	store    *storage.Store
	signals  *sema.Table
	schedule *contact.Schedule

	cancel  context.CancelFunc
	stopAck chan struct{}
}

// NewForwarder creates a new Forwarder for the local node's Schedule.
func NewForwarder(store *storage.Store, signals *sema.Table, schedule *contact.Schedule) *Forwarder {
	return &Forwarder{
		store:    store,
		signals:  signals,
		schedule: schedule,
	}
}

func (f *Forwarder) log() *log.Entry {
	return log.WithField("local", f.schedule.Local)
}

// Submit a new bundle for forwarding.
func (f *Forwarder) Submit(tx *storage.Txn, b bpv7.Bundle, custody bool) (uint64, error) {
	id, err := tx.InsertBundle(b, storage.QueueForward, custody)
	if err != nil {
		return 0, err
	}

	tx.OnCommit(f.signals.Forwarder().Give)
	return id, nil
}

// Reforward a bundle to get a new routing decision, e.g., after its neighbor
// refused it. The bundle leaves its current queue within the transaction.
func (f *Forwarder) Reforward(tx *storage.Txn, id uint64, reason string) error {
	rec, err := tx.Bundle(id)
	if err != nil {
		return err
	}

	rec.Reason = reason
	if err := tx.UpdateBundle(rec); err != nil {
		return err
	}
	if err := tx.Enqueue(id, storage.QueueForward); err != nil {
		return err
	}

	tx.OnCommit(f.signals.Forwarder().Give)
	return nil
}

// Hold a bundle in limbo until an outduct becomes usable.
func (f *Forwarder) Hold(tx *storage.Txn, id uint64) error {
	return tx.Enqueue(id, storage.QueueLimbo)
}

// ReleaseLimbo moves every bundle in limbo back to the forward queue. Their
// excluded neighbors are forgotten, since embargoes or plans may have changed.
func (f *Forwarder) ReleaseLimbo() (n int, err error) {
	err = f.store.Update(func(tx *storage.Txn) error {
		n = 0

		recs, err := tx.Bundles(storage.QueueLimbo)
		if err != nil {
			return err
		}

		for _, rec := range recs {
			rec.Excluded = nil
			if err := tx.UpdateBundle(rec); err != nil {
				return err
			}
			if err := f.Reforward(tx, rec.Id, "limbo-release"); err != nil {
				return err
			}
			n++
		}
		return nil
	})

	if err == nil && n > 0 {
		f.log().WithField("bundles", n).Info("Released bundles from limbo")
	}
	return
}

// Start the Forwarder's task. It drains the forward queue whenever woken up.
func (f *Forwarder) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.stopAck = make(chan struct{})

	go f.handler(ctx)
}

// Close stops the Forwarder's task, if started.
func (f *Forwarder) Close() {
	if f.cancel == nil {
		return
	}

	f.cancel()
	<-f.stopAck
}

func (f *Forwarder) handler(ctx context.Context) {
	defer close(f.stopAck)

	for {
		for {
			routed, err := f.RouteNext()
			if err != nil {
				f.log().WithError(err).Error("Routing failed, stopping forwarder")
				return
			}
			if !routed {
				break
			}
		}

		if err := f.signals.Forwarder().Take(ctx); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, sema.ErrEnded) {
				f.log().WithError(err).Warn("Waiting for work failed")
			}
			return
		}
	}
}

// RouteNext routes the head of the forward queue. False is returned if the
// forward queue was empty.
func (f *Forwarder) RouteNext() (routed bool, err error) {
	err = f.store.Update(func(tx *storage.Txn) error {
		rec, ok, err := tx.Head(storage.QueueForward)
		if err != nil || !ok {
			routed = false
			return err
		}

		routed = true
		return f.route(tx, rec, time.Now())
	})
	return
}

func (f *Forwarder) route(tx *storage.Txn, rec storage.BundleRecord, now time.Time) error {
	logger := f.log().WithFields(log.Fields{
		"bundle": rec.Bundle.ID(),
		"handle": rec.Id,
	})

	dest := rec.Bundle.Destination

	if destNode, ok := dest.NodeNumber(); ok && destNode == f.schedule.Local {
		logger.Info("Bundle is addressed to this node, delivering it")
		return tx.DestroyBundle(rec.Id)
	}

	pr, found, err := f.selectPlan(tx, rec, now)
	if err != nil {
		return err
	}

	if !found {
		logger.Info("No route towards destination, holding bundle in limbo")
		return f.Hold(tx, rec.Id)
	}

	if err := tx.Enqueue(rec.Id, storage.PlanQueue(pr.Name, rec.Bundle.Priority)); err != nil {
		return err
	}
	tx.OnCommit(f.signals.Plan(pr.Name).Give)

	logger.WithField("plan", pr.Name).Debug("Routed bundle")
	return nil
}

// selectPlan chooses the plan of a neighbor being the destination itself or
// the next hop on the shortest path of the contact graph. Neighbors excluded
// for the bundle or embargoing its destination are avoided.
func (f *Forwarder) selectPlan(tx *storage.Txn, rec storage.BundleRecord, now time.Time) (pr storage.PlanRecord, found bool, err error) {
	avoid := make(map[uint64]bool)
	for _, n := range rec.Excluded {
		avoid[n] = true
	}

	dest := rec.Bundle.Destination
	destNode, numeric := dest.NodeNumber()

	plans, err := tx.Plans()
	if err != nil {
		return
	}

	usable := func(pr storage.PlanRecord) (bool, error) {
		if pr.Stopped || (pr.NodeNbr != 0 && avoid[pr.NodeNbr]) {
			return false, nil
		}
		if numeric && pr.NodeNbr != 0 {
			embargoed, err := tx.Embargoed(pr.NodeNbr, destNode)
			return !embargoed, err
		}
		return true, nil
	}

	for _, candidate := range plans {
		if !candidate.Neighbor.SameNode(dest) {
			continue
		}
		if ok, usableErr := usable(candidate); usableErr != nil {
			err = usableErr
			return
		} else if ok {
			return candidate, true, nil
		}
	}

	if !numeric {
		return
	}

	for _, candidate := range plans {
		if candidate.NodeNbr == 0 {
			continue
		}
		if ok, usableErr := usable(candidate); usableErr != nil {
			err = usableErr
			return
		} else if !ok {
			avoid[candidate.NodeNbr] = true
		}
	}

	crs, err := tx.Contacts()
	if err != nil {
		return
	}

	cg, err := newContactGraph(crs, f.schedule.Local, avoid, now)
	if err != nil {
		return
	}

	hop, ok, err := cg.nextHop(f.schedule.Local, destNode)
	if err != nil || !ok {
		return
	}

	pr, err = tx.PlanByNode(hop)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		err = nil
	case err == nil:
		found = !avoid[hop]
	}
	return
}
