// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package egress

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
	"github.com/dtn7/dtn7-clm/pkg/contact"
	"github.com/dtn7/dtn7-clm/pkg/sema"
	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// Reasons for rerouting or retrying.
const (
	ReasonThrottle         = "throttle"
	ReasonContact          = "contact"
	ReasonEmbargo          = "embargo"
	ReasonLimbo            = "limbo"
	ReasonNonFragmentable  = "non-fragmentable"
	ReasonInferredFailure  = "inferred-failure"
	defaultPollingInterval = time.Second
)

// Activity characters, emitted after a cycle's transaction was committed.
const (
	ActivityDispatched      byte = 'c'
	ActivityFragmented      byte = 'f'
	ActivityEmbargo         byte = 'e'
	ActivityNonFragmentable byte = 'n'
	ActivityInferredFailure byte = 'r'
	ActivityLimbo           byte = 'l'
)

// Predictor predicts the payload ceiling towards a neighbor. A neighbor node
// number of zero is unknown.
type Predictor interface {
	Ceiling(tx *storage.Txn, neighbor uint64, now time.Time) (contact.Ceiling, error)
}

// Forwarder takes back bundles which cannot be dispatched by this plan.
type Forwarder interface {
	// Reforward a bundle for a new routing decision.
	Reforward(tx *storage.Txn, id uint64, reason string) error

	// Hold a bundle in limbo, since its outduct is unusable.
	Hold(tx *storage.Txn, id uint64) error
}

// Telemetry tallies the dispatcher's work within its transactions.
type Telemetry interface {
	Dispatched(tx *storage.Txn, plan string, p bpv7.Priority, length uint64) error
	Rerouted(tx *storage.Txn, plan string, reason string) error
	Fragmented(tx *storage.Txn, fragments uint64) error
	Custody(tx *storage.Txn, accepted, released uint64) error

	// Activity is called after a commit.
	Activity(c byte)
}

// SizeEstimator estimates the on-wire cost of sending length bytes through an
// outduct, including its error-correction overhead.
type SizeEstimator interface {
	WireSize(od storage.OutductRecord, length uint64) uint64
}

// Config of a Dispatcher.
type Config struct {
	Mode Mode

	// StarvationSeconds of a weighted selector, DefaultStarvationSeconds if 0.
	StarvationSeconds uint64

	// PollInterval between retries while throttled or the ceiling is unknown.
	PollInterval time.Duration
}

// Dispatcher is the egress dispatcher of one plan. It moves bundles from the
// plan's issuance queues into the transmit buffer of the plan's outduct.
type Dispatcher struct {
	plan string

	store     *storage.Store
	sem       *sema.Semaphore
	signals   *sema.Table
	predictor Predictor
	forwarder Forwarder
	telemetry Telemetry
	estimator SizeEstimator
	selector  Selector

	pollInterval time.Duration
	now          func() time.Time
}

// NewDispatcher attaches to a plan and creates its Dispatcher. The estimator
// might be nil, resulting in the plain bundle size as on-wire cost.
func NewDispatcher(
	store *storage.Store, signals *sema.Table, plan string,
	predictor Predictor, forwarder Forwarder, telemetry Telemetry, estimator SizeEstimator,
	conf Config,
) (*Dispatcher, error) {
	if err := Attach(store, plan); err != nil {
		return nil, err
	}

	if conf.PollInterval <= 0 {
		conf.PollInterval = defaultPollingInterval
	}

	return &Dispatcher{
		plan: plan,

		store:     store,
		sem:       signals.Plan(plan),
		signals:   signals,
		predictor: predictor,
		forwarder: forwarder,
		telemetry: telemetry,
		estimator: estimator,
		selector:  NewSelector(conf.Mode, conf.StarvationSeconds),

		pollInterval: conf.PollInterval,
		now:          time.Now,
	}, nil
}

func (d *Dispatcher) log() *log.Entry {
	return log.WithField("plan", d.plan)
}

// Close detaches this Dispatcher from its plan. It must be called after Run
// has returned.
func (d *Dispatcher) Close() error {
	return Detach(d.store, d.plan)
}

// Run the dispatch loop until the plan's semaphore is ended or the context is
// done. A stopped plan ends the loop as well. Only a fatal cycle results in
// an error.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log().Info("Dispatcher started")

	for !d.sem.Ended() && ctx.Err() == nil {
		out := d.Cycle()

		switch out.Kind {
		case Fatal:
			d.log().WithError(out.Err).Error("Dispatcher failed, stopping")
			return out.Err

		case Stopped:
			d.log().Info("Plan was stopped")
			return nil

		case Idle:
			if takeErr := d.sem.Take(ctx); takeErr != nil {
				if !errors.Is(takeErr, sema.ErrEnded) && !errors.Is(takeErr, context.Canceled) {
					d.log().WithError(takeErr).Warn("Waiting for work failed")
				}
			}

		case Retryable:
			d.log().WithField("reason", out.Reason).Debug("Dispatcher waits")
			d.sleep(ctx)

		default:
			runtime.Gosched()
		}
	}

	d.log().Info("Dispatcher stopped")
	return nil
}

func (d *Dispatcher) sleep(ctx context.Context) {
	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-d.sem.Done():
	case <-ctx.Done():
	}
}

// Cycle performs one dispatch cycle within one transaction. Nothing of a
// Fatal cycle is committed.
func (d *Dispatcher) Cycle() (out Outcome) {
	err := d.store.Update(func(tx *storage.Txn) error {
		out = d.cycle(tx, d.now())
		if out.Kind == Fatal {
			return out.Err
		}
		return nil
	})

	if err != nil && out.Kind != Fatal {
		out = fatal(fmt.Errorf("committing dispatch cycle failed: %w", err))
	}
	return
}

// cycle selects, checks and dispatches one bundle.
func (d *Dispatcher) cycle(tx *storage.Txn, now time.Time) Outcome {
	pr, err := tx.Plan(d.plan)
	if err != nil {
		return fatal(fmt.Errorf("loading plan %s failed: %w", d.plan, err))
	}

	if pr.Stopped {
		return stopped()
	}

	// Empty queues wait for new work, even without capacity or contact.
	rec, ok, err := d.selector.Select(tx, &pr)
	if err != nil {
		return fatal(fmt.Errorf("selecting bundle failed: %w", err))
	} else if !ok {
		return idle()
	}

	thr := throttle{pr: &pr}
	if !thr.admits() {
		return retry(ReasonThrottle)
	}

	ceiling, err := d.predictor.Ceiling(tx, pr.NodeNbr, now)
	if err != nil {
		return fatal(fmt.Errorf("predicting payload ceiling failed: %w", err))
	}
	if ceiling.Kind == contact.Unknown {
		return retry(ReasonContact)
	}

	if embargoed, err := d.embargoed(tx, &pr, rec); err != nil {
		return fatal(err)
	} else if embargoed {
		return d.reroute(tx, &pr, rec, ReasonEmbargo, ActivityEmbargo)
	}

	od, err := tx.Outduct(pr.Outduct)
	if err != nil {
		return fatal(fmt.Errorf("resolving outduct %q failed: %w", pr.Outduct, err))
	}

	if od.Blocked {
		if err := d.forwarder.Hold(tx, rec.Id); err != nil {
			return fatal(fmt.Errorf("holding bundle in limbo failed: %w", err))
		}
		d.activity(tx, ActivityLimbo)
		d.log().WithField("outduct", od.Name).Info("Outduct is blocked, bundle is held in limbo")
		return rerouted(rec.Id, ReasonLimbo)
	}

	if limit := effectiveCeiling(ceiling, od.MaxPayloadLength); limit > 0 && rec.Bundle.PayloadLength() > limit {
		if rec.Bundle.ControlFlags.Has(bpv7.MustNotFragmented) {
			return d.reroute(tx, &pr, rec, ReasonNonFragmentable, ActivityNonFragmentable)
		}

		if rec, err = d.fragment(tx, rec, limit); err != nil {
			return fatal(fmt.Errorf("fragmenting bundle failed: %w", err))
		}
	}

	if err := d.drainBacklog(tx, od); err != nil {
		return fatal(fmt.Errorf("reforwarding transmit backlog of %s failed: %w", od.Name, err))
	}

	if err := d.dispatch(tx, &pr, od, rec); err != nil {
		return fatal(err)
	}
	return dispatched(rec.Id)
}

// embargoed checks if the neighbor refused custody for the bundle's destination.
// Only numeric node identities can be embargoed.
func (d *Dispatcher) embargoed(tx *storage.Txn, pr *storage.PlanRecord, rec storage.BundleRecord) (bool, error) {
	dest, ok := rec.Bundle.Destination.NodeNumber()
	if !ok || pr.NodeNbr == 0 {
		return false, nil
	}

	embargoed, err := tx.Embargoed(pr.NodeNbr, dest)
	if err != nil {
		return false, fmt.Errorf("checking embargo failed: %w", err)
	}
	return embargoed, nil
}

// reroute excludes this plan's neighbor for the bundle and resubmits it to the forwarder.
func (d *Dispatcher) reroute(tx *storage.Txn, pr *storage.PlanRecord, rec storage.BundleRecord, reason string, c byte) Outcome {
	if pr.NodeNbr != 0 {
		rec.Excluded = append(rec.Excluded, pr.NodeNbr)
		if err := tx.UpdateBundle(rec); err != nil {
			return fatal(err)
		}
	}

	if err := d.forwarder.Reforward(tx, rec.Id, reason); err != nil {
		return fatal(fmt.Errorf("reforwarding bundle failed: %w", err))
	}
	if err := d.telemetry.Rerouted(tx, d.plan, reason); err != nil {
		return fatal(err)
	}
	d.activity(tx, c)

	d.log().WithFields(log.Fields{
		"bundle": rec.Bundle.ID(),
		"reason": reason,
	}).Info("Bundle was handed back to the forwarder")

	return rerouted(rec.Id, reason)
}

// fragment splits a bundle at the ceiling. The parent is replaced by its tail
// and head fragments at the front of its queue; the head is returned.
func (d *Dispatcher) fragment(tx *storage.Txn, rec storage.BundleRecord, ceiling uint64) (storage.BundleRecord, error) {
	head, tail, err := rec.Bundle.Fragment(ceiling)
	if err != nil {
		return rec, err
	}

	queue := rec.QueueKey

	var ids [2]uint64
	for i, frag := range []bpv7.Bundle{tail, head} {
		if ids[i], err = tx.InsertBundle(frag, "", rec.Custody); err != nil {
			return rec, err
		}
		if err = tx.PushFront(ids[i], queue); err != nil {
			return rec, err
		}
	}

	if err = tx.DestroyBundle(rec.Id); err != nil {
		return rec, err
	}

	if rec.Custody {
		if err = d.telemetry.Custody(tx, 2, 1); err != nil {
			return rec, err
		}
	}
	if err = d.telemetry.Fragmented(tx, 2); err != nil {
		return rec, err
	}
	d.activity(tx, ActivityFragmented)

	d.log().WithFields(log.Fields{
		"bundle":  rec.Bundle.ID(),
		"ceiling": ceiling,
	}).Debug("Fragmented bundle")

	return tx.Bundle(ids[1])
}

// drainBacklog reforwards every bundle still in the outduct's transmit buffer,
// since their transmission was never confirmed.
func (d *Dispatcher) drainBacklog(tx *storage.Txn, od storage.OutductRecord) error {
	backlog, err := tx.Queue(storage.XmitQueue(od.Name))
	if err != nil {
		return err
	}

	for _, id := range backlog {
		if err := d.forwarder.Reforward(tx, id, ReasonInferredFailure); err != nil {
			return err
		}
		if err := d.telemetry.Rerouted(tx, d.plan, ReasonInferredFailure); err != nil {
			return err
		}
		d.activity(tx, ActivityInferredFailure)
	}

	if len(backlog) > 0 {
		d.log().WithFields(log.Fields{
			"outduct": od.Name,
			"bundles": len(backlog),
		}).Info("Reforwarded unconfirmed transmit backlog")
	}
	return nil
}

// dispatch appends the bundle to the outduct's transmit buffer and tallies it.
func (d *Dispatcher) dispatch(tx *storage.Txn, pr *storage.PlanRecord, od storage.OutductRecord, rec storage.BundleRecord) error {
	if err := tx.Enqueue(rec.Id, storage.XmitQueue(od.Name)); err != nil {
		return fmt.Errorf("appending bundle to transmit buffer failed: %w", err)
	}

	length := rec.Bundle.PayloadLength()
	d.selector.Account(pr, rec.Bundle.Priority, length)

	cost := uint64(rec.Bundle.HeaderLength()) + length
	if d.estimator != nil {
		cost = d.estimator.WireSize(od, cost)
	}
	throttle{pr: pr}.consume(cost)

	if err := tx.PutPlan(*pr); err != nil {
		return err
	}
	if err := d.telemetry.Dispatched(tx, d.plan, rec.Bundle.Priority, length); err != nil {
		return err
	}

	tx.OnCommit(d.signals.Outduct(od.Name).Give)
	d.activity(tx, ActivityDispatched)
	return nil
}

func (d *Dispatcher) activity(tx *storage.Txn, c byte) {
	tx.OnCommit(func() { d.telemetry.Activity(c) })
}
