// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
	"github.com/dtn7/dtn7-clm/pkg/cla"
	"github.com/dtn7/dtn7-clm/pkg/cla/mtcp"
	"github.com/dtn7/dtn7-clm/pkg/contact"
	"github.com/dtn7/dtn7-clm/pkg/egress"
	"github.com/dtn7/dtn7-clm/pkg/routing"
	"github.com/dtn7/dtn7-clm/pkg/sema"
	"github.com/dtn7/dtn7-clm/pkg/storage"
	"github.com/dtn7/dtn7-clm/pkg/telemetry"
)

// receiverRetry is the duration between two attempts to start a receiver.
const receiverRetry = 10 * time.Second

// errNodeNotRunning is returned when starting a dispatcher of a Node which is
// not or no longer running.
var errNodeNotRunning = errors.New("node is not running")

// planTask is a plan's dispatcher and the state of its loop.
type planTask struct {
	dispatcher *egress.Dispatcher

	// manual plans are only started on request, not by Run.
	manual bool

	running bool
	cancel  context.CancelFunc
	err     error
}

// Node is a DTN node's egress side. Its parts are created by New and run by
// Run, which also shuts them down.
type Node struct {
	conf  Config
	local uint64

	store     *storage.Store
	signals   *sema.Table
	schedule  *contact.Schedule
	forwarder *routing.Forwarder
	clock     *routing.Clock
	watcher   *contact.Watcher
	tally     *telemetry.Tally
	hub       *telemetry.Hub
	manager   *cla.Manager
	adapters  []*cla.Adapter
	server    *http.Server
	ingestAck chan struct{}
	ids       *idKeeper

	// single nodes run a selection of plans and end with their dispatchers.
	single bool

	mutex    sync.Mutex
	tasks    map[string]*planTask
	ctx      context.Context
	cancel   context.CancelFunc
	stopping bool
	wg       sync.WaitGroup
	errs     error
}

// New creates a Node for the configuration. If plans are named, only their
// dispatchers run and Run returns after all of them ended. Otherwise, the
// dispatchers of all configured plans are run.
//
// Creating a dispatcher fails with egress.ErrPlanUnknown or
// egress.ErrAlreadyRunning, if the plan does not exist or is already served.
func New(conf Config, plans ...string) (n *Node, err error) {
	local, err := conf.LocalNode()
	if err != nil {
		return
	}
	dispatcherConf, err := conf.DispatcherConfig()
	if err != nil {
		return
	}

	n = &Node{
		conf:    conf,
		local:   local,
		signals: sema.NewTable(),
		single:  len(plans) > 0,
		tasks:   make(map[string]*planTask),
		ids:     newIdKeeper(),
	}
	defer func() {
		if err != nil {
			if closeErr := n.close(); closeErr != nil {
				log.WithError(closeErr).Warn("Closing partially created node errored")
			}
			n = nil
		}
	}()

	if n.store, err = storage.NewStore(conf.Core.Store); err != nil {
		return
	}
	if err = syncRecords(n.store, conf, time.Now()); err != nil {
		return
	}

	n.schedule = contact.NewSchedule(local)
	n.forwarder = routing.NewForwarder(n.store, n.signals, n.schedule)
	n.hub = telemetry.NewHub()

	var activity io.Writer
	if conf.Core.Activity {
		activity = os.Stdout
	}
	n.tally = telemetry.NewTally(activity, n.hub)

	if conf.Core.ContactPlan != "" {
		if n.watcher, err = contact.NewWatcher(n.store, conf.Core.ContactPlan, n.releaseLimbo); err != nil {
			return
		}
	}

	manual := make(map[string]bool)
	for _, pc := range conf.Plan {
		manual[pc.Name] = pc.Manual
	}
	if len(plans) == 0 {
		for _, pc := range conf.Plan {
			plans = append(plans, pc.Name)
		}
	}

	outducts := make(map[string]bool)
	predictor := contact.NewPredictor(n.schedule)
	for _, plan := range plans {
		d, dErr := egress.NewDispatcher(
			n.store, n.signals, plan, predictor, n.forwarder, n.tally, cla.Estimator{}, dispatcherConf)
		if dErr != nil {
			err = dErr
			return
		}
		n.tasks[plan] = &planTask{dispatcher: d, manual: manual[plan] && !n.single}

		var pr storage.PlanRecord
		if err = n.store.View(func(tx *storage.Txn) (err error) {
			pr, err = tx.Plan(plan)
			return
		}); err != nil {
			return
		}
		outducts[pr.Outduct] = true
	}

	for _, oc := range conf.Outduct {
		if !outducts[oc.Name] {
			continue
		}

		sender, sErr := newSender(oc)
		if sErr != nil {
			err = fmt.Errorf("outduct %s: %w", oc.Name, sErr)
			return
		}
		n.adapters = append(n.adapters, cla.NewAdapter(n.store, n.signals, oc.Name, sender, n.forwarder, n.tally))
	}

	n.manager = cla.NewManager(receiverRetry)
	for _, lc := range conf.Listen {
		n.manager.Register(mtcp.NewMTCPServer(lc.Endpoint))
	}

	if conf.HTTP.Listen != "" {
		router := mux.NewRouter()
		if _, err = telemetry.NewHandler(router, n.store, n.hub); err != nil {
			return
		}
		n.registerAPI(router)

		n.server = &http.Server{
			Addr:    conf.HTTP.Listen,
			Handler: router,
		}
	}

	if n.clock, err = routing.NewClock(n.store, n.forwarder, routing.ClockIntervals{
		Tick:   conf.Clock.Tick.Duration,
		Expire: conf.Clock.Expire.Duration,
		Limbo:  conf.Clock.Limbo.Duration,
	}); err != nil {
		return
	}

	return
}

// newSender for an outduct's protocol.
func newSender(oc OutductConf) (cla.ConvergenceSender, error) {
	var fec *cla.FEC
	if oc.FecData > 0 && oc.FecParity > 0 {
		var err error
		if fec, err = cla.NewFEC(oc.FecData, oc.FecParity); err != nil {
			return nil, err
		}
	}

	switch oc.Protocol {
	case "mtcp":
		return mtcp.NewMTCPClient(oc.Endpoint, fec), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", oc.Protocol)
	}
}

func (n *Node) log() *log.Entry {
	return log.WithField("node", n.local)
}

// Store of this Node.
func (n *Node) Store() *storage.Store {
	return n.store
}

// Run all parts of this Node until the context is done or, for a Node of
// named plans, all dispatchers ended. Afterwards, the Node is closed. The
// errors of fatal dispatchers are returned.
func (n *Node) Run(ctx context.Context) error {
	n.mutex.Lock()
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.mutex.Unlock()

	n.forwarder.Start()

	for plan, task := range n.tasks {
		if task.manual {
			continue
		}
		if err := n.startDispatcher(plan); err != nil {
			n.log().WithError(err).WithField("plan", plan).Warn("Starting dispatcher failed")
		}
	}

	for _, a := range n.adapters {
		n.wg.Add(1)
		go func(a *cla.Adapter) {
			defer n.wg.Done()
			if err := a.Run(n.ctx); err != nil {
				n.log().WithError(err).Error("Adapter failed")
			}
		}(a)
	}

	n.ingestAck = make(chan struct{})
	go n.ingest(n.ingestAck)

	if n.server != nil {
		go func() {
			if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.log().WithError(err).Error("HTTP server failed")
			}
		}()
	}

	n.log().WithField("plans", len(n.tasks)).Info("Node is running")
	<-n.ctx.Done()
	n.log().Info("Shutting down node")

	n.mutex.Lock()
	n.stopping = true
	n.mutex.Unlock()

	n.signals.EndAll()
	n.wg.Wait()

	closeErr := n.close()

	n.mutex.Lock()
	defer n.mutex.Unlock()

	if closeErr != nil {
		n.log().WithError(closeErr).Warn("Closing node errored")
	}
	return n.errs
}

// startDispatcher starts the loop of a plan's dispatcher. It fails with
// egress.ErrPlanUnknown for a plan without a dispatcher in this Node and with
// egress.ErrAlreadyRunning if the loop is already running.
func (n *Node) startDispatcher(plan string) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	task, ok := n.tasks[plan]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", egress.ErrPlanUnknown, plan)
	case task.running:
		return fmt.Errorf("%w: %s", egress.ErrAlreadyRunning, plan)
	case n.stopping || n.ctx == nil:
		return errNodeNotRunning
	}

	ctx, cancel := context.WithCancel(n.ctx)
	task.running, task.cancel, task.err = true, cancel, nil

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		err := task.dispatcher.Run(ctx)
		cancel()

		n.mutex.Lock()
		defer n.mutex.Unlock()

		task.running, task.cancel, task.err = false, nil, err
		if err != nil {
			n.errs = multierror.Append(n.errs, fmt.Errorf("plan %s: %w", plan, err))
		}

		if n.single && !n.anyRunning() {
			n.cancel()
		}
	}()
	return nil
}

// endDispatcher ends the loop of a plan's dispatcher without stopping the
// plan. Ending a loop which is not running does nothing.
func (n *Node) endDispatcher(plan string) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	task, ok := n.tasks[plan]
	if !ok {
		return fmt.Errorf("%w: %s", egress.ErrPlanUnknown, plan)
	}
	if task.cancel != nil {
		task.cancel()
	}
	return nil
}

func (n *Node) anyRunning() bool {
	for _, task := range n.tasks {
		if task.running {
			return true
		}
	}
	return false
}

// close all parts. Fields being nil are skipped, allowing to close a
// partially created Node.
func (n *Node) close() (errs error) {
	if n.server != nil {
		n.hub.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := n.server.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
		cancel()
	} else if n.hub != nil {
		n.hub.Close()
	}

	if n.manager != nil {
		if err := n.manager.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if n.ingestAck != nil {
		<-n.ingestAck
	}
	if n.clock != nil {
		n.clock.Close()
	}
	if n.watcher != nil {
		n.watcher.Close()
	}
	if n.forwarder != nil {
		n.forwarder.Close()
	}

	for plan, task := range n.tasks {
		if err := task.dispatcher.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("plan %s: %w", plan, err))
		}
	}

	if n.store != nil {
		if err := n.store.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return
}

// ingest submits the bundles of the receivers until the Manager is closed.
func (n *Node) ingest(ack chan struct{}) {
	defer close(ack)

	for rs := range n.manager.Channel() {
		if rs.Kind != cla.ReceivedBundle {
			continue
		}

		if _, err := n.Receive(rs.Bundle, rs.Payload); err != nil {
			n.log().WithError(err).WithFields(log.Fields{
				"cla":    rs.Receiver,
				"bundle": rs.Bundle.ID(),
			}).Warn("Failed to accept received bundle")
		}
	}
}

// Receive stores a bundle with its payload and submits it to the forwarder.
// Custody is accepted for bundles requesting it.
func (n *Node) Receive(b bpv7.Bundle, payload []byte) (id uint64, err error) {
	b.Payload = bpv7.PayloadRef{Length: uint64(len(payload))}
	if err = b.CheckValid(); err != nil {
		return
	} else if b.IsLifetimeExceeded() {
		err = fmt.Errorf("bundle %v is expired", b.ID())
		return
	}

	obj, err := n.store.WriteObject(payload)
	if err != nil {
		return
	}
	b.Payload.Object = obj

	custody := b.CustodyRequested()
	err = n.store.Update(func(tx *storage.Txn) (err error) {
		if id, err = n.forwarder.Submit(tx, b, custody); err != nil {
			return
		}
		if custody {
			err = n.tally.Custody(tx, 1, 0)
		}
		return
	})
	if err == nil {
		n.log().WithFields(log.Fields{
			"bundle": b.ID(),
			"handle": id,
		}).Debug("Accepted bundle")
	}
	return
}

func (n *Node) releaseLimbo() {
	if _, err := n.forwarder.ReleaseLimbo(); err != nil {
		n.log().WithError(err).Warn("Failed to release limbo")
	}
}
