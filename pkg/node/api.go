// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
	"github.com/dtn7/dtn7-clm/pkg/egress"
	"github.com/dtn7/dtn7-clm/pkg/storage"
	"github.com/dtn7/dtn7-clm/pkg/telemetry"
)

// registerAPI binds the administrative routes next to the telemetry:
//
//	GET    /outducts
//	GET    /contacts
//	GET    /embargoes
//	POST   /embargoes                     EmbargoRequest
//	DELETE /embargoes/{neighbor}/{destination}
//	POST   /plans/{name}/stop
//	POST   /plans/{name}/resume
//	GET    /plans/{name}/dispatcher
//	POST   /plans/{name}/dispatcher
//	DELETE /plans/{name}/dispatcher
//	POST   /bundles                       BundleRequest
//	POST   /limbo/release
func (n *Node) registerAPI(router *mux.Router) {
	router.HandleFunc("/outducts", n.handleOutducts).Methods(http.MethodGet)
	router.HandleFunc("/contacts", n.handleContacts).Methods(http.MethodGet)
	router.HandleFunc("/embargoes", n.handleEmbargoes).Methods(http.MethodGet)
	router.HandleFunc("/embargoes", n.handleEmbargoAdd).Methods(http.MethodPost)
	router.HandleFunc("/embargoes/{neighbor}/{destination}", n.handleEmbargoLift).Methods(http.MethodDelete)
	router.HandleFunc("/plans/{name}/stop", n.handlePlanStop).Methods(http.MethodPost)
	router.HandleFunc("/plans/{name}/resume", n.handlePlanResume).Methods(http.MethodPost)
	router.HandleFunc("/plans/{name}/dispatcher", n.handleDispatcher).Methods(http.MethodGet)
	router.HandleFunc("/plans/{name}/dispatcher", n.handleDispatcherStart).Methods(http.MethodPost)
	router.HandleFunc("/plans/{name}/dispatcher", n.handleDispatcherEnd).Methods(http.MethodDelete)
	router.HandleFunc("/bundles", n.handleBundle).Methods(http.MethodPost)
	router.HandleFunc("/limbo/release", n.handleLimboRelease).Methods(http.MethodPost)
}

// badRequest answers a request which could not be understood.
func badRequest(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	log.WithError(err).WithField("status", status).Debug("Rejecting HTTP request")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}); encErr != nil {
		log.WithError(encErr).Warn("Failed to write HTTP response")
	}
}

func (n *Node) handleOutducts(w http.ResponseWriter, _ *http.Request) {
	var ods []storage.OutductRecord
	err := n.store.View(func(tx *storage.Txn) (err error) {
		ods, err = tx.Outducts()
		return
	})

	telemetry.WriteJSON(w, ods, err)
}

func (n *Node) handleContacts(w http.ResponseWriter, _ *http.Request) {
	var crs []storage.ContactRecord
	err := n.store.View(func(tx *storage.Txn) (err error) {
		crs, err = tx.Contacts()
		return
	})

	telemetry.WriteJSON(w, crs, err)
}

func (n *Node) handleEmbargoes(w http.ResponseWriter, _ *http.Request) {
	var ers []storage.EmbargoRecord
	err := n.store.View(func(tx *storage.Txn) (err error) {
		ers, err = tx.Embargoes()
		return
	})

	telemetry.WriteJSON(w, ers, err)
}

func (n *Node) handleEmbargoAdd(w http.ResponseWriter, r *http.Request) {
	var req EmbargoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err)
		return
	} else if req.Neighbor == 0 || req.Destination == 0 {
		badRequest(w, fmt.Errorf("node numbers must be >= 1"))
		return
	}

	err := n.store.Update(func(tx *storage.Txn) error {
		return tx.PutEmbargo(req.Neighbor, req.Destination, time.Now())
	})
	if err == nil {
		log.WithFields(log.Fields{
			"neighbor":    req.Neighbor,
			"destination": req.Destination,
		}).Info("Embargo was imposed")
	}

	telemetry.WriteJSON(w, req, err)
}

func (n *Node) handleEmbargoLift(w http.ResponseWriter, r *http.Request) {
	var req EmbargoRequest
	vars := mux.Vars(r)

	var err error
	if req.Neighbor, err = strconv.ParseUint(vars["neighbor"], 10, 64); err != nil {
		badRequest(w, err)
		return
	}
	if req.Destination, err = strconv.ParseUint(vars["destination"], 10, 64); err != nil {
		badRequest(w, err)
		return
	}

	err = n.store.Update(func(tx *storage.Txn) error {
		return tx.LiftEmbargo(req.Neighbor, req.Destination)
	})
	if err == nil {
		log.WithFields(log.Fields{
			"neighbor":    req.Neighbor,
			"destination": req.Destination,
		}).Info("Embargo was lifted")

		// Bundles towards the destination might have a route again.
		n.releaseLimbo()
	}

	telemetry.WriteJSON(w, req, err)
}

// setStopped updates a plan's stopped flag and wakes its dispatcher.
func (n *Node) setStopped(name string, stopped bool) (resp PlanResponse, err error) {
	err = n.store.Update(func(tx *storage.Txn) error {
		pr, err := tx.Plan(name)
		if err != nil {
			return err
		}

		pr.Stopped = stopped
		if err := tx.PutPlan(pr); err != nil {
			return err
		}

		tx.OnCommit(n.signals.Plan(name).Give)
		return nil
	})
	if err != nil {
		return
	}

	log.WithFields(log.Fields{
		"plan":    name,
		"stopped": stopped,
	}).Info("Changed plan's state")

	resp = PlanResponse{Name: name, Stopped: stopped}
	if !stopped {
		if task, ok := n.tasks[name]; ok && !task.manual {
			if err := n.startDispatcher(name); err != nil {
				log.WithError(err).WithField("plan", name).Debug("Resumed plan's dispatcher was not started")
			}
		}
		n.releaseLimbo()
	}

	n.mutex.Lock()
	if task, ok := n.tasks[name]; ok {
		resp.Running = task.running
	}
	n.mutex.Unlock()
	return
}

func (n *Node) handlePlanStop(w http.ResponseWriter, r *http.Request) {
	resp, err := n.setStopped(mux.Vars(r)["name"], true)
	telemetry.WriteJSON(w, resp, err)
}

func (n *Node) handlePlanResume(w http.ResponseWriter, r *http.Request) {
	resp, err := n.setStopped(mux.Vars(r)["name"], false)
	telemetry.WriteJSON(w, resp, err)
}

// dispatcherState of a plan's dispatcher loop.
func (n *Node) dispatcherState(name string) (resp DispatcherResponse, err error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	task, ok := n.tasks[name]
	if !ok {
		err = fmt.Errorf("%w: %s", egress.ErrPlanUnknown, name)
		return
	}

	resp = DispatcherResponse{Name: name, Running: task.running}
	if task.err != nil {
		resp.Error = task.err.Error()
	}
	return
}

// writeDispatcher answers a request on a plan's dispatcher loop. An unknown
// plan is answered with 404, an already running loop with 409.
func (n *Node) writeDispatcher(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, egress.ErrPlanUnknown):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, egress.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, errNodeNotRunning):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		telemetry.WriteJSON(w, nil, err)
	default:
		resp, stateErr := n.dispatcherState(name)
		telemetry.WriteJSON(w, resp, stateErr)
	}
}

func (n *Node) handleDispatcher(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	_, err := n.dispatcherState(name)
	n.writeDispatcher(w, name, err)
}

func (n *Node) handleDispatcherStart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	err := n.startDispatcher(name)
	if err == nil {
		log.WithField("plan", name).Info("Started dispatcher on request")
	}
	n.writeDispatcher(w, name, err)
}

func (n *Node) handleDispatcherEnd(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	err := n.endDispatcher(name)
	if err == nil {
		log.WithField("plan", name).Info("Ending dispatcher on request")
	}
	n.writeDispatcher(w, name, err)
}

// buildBundle from a BundleRequest. The source defaults to the local node.
func (n *Node) buildBundle(req BundleRequest) (bpv7.Bundle, error) {
	prio, err := bpv7.ParsePriority(req.Priority)
	if err != nil {
		return bpv7.Bundle{}, err
	}

	var source interface{} = bpv7.IpnNode(n.local)
	if req.Source != "" {
		source = req.Source
	}

	lifetime := req.Lifetime
	if lifetime == "" {
		lifetime = "24h"
	}

	var flags bpv7.BundleControlFlags
	if req.Custody {
		flags |= bpv7.CustodyRequested
	}
	if req.MustNotFragment {
		flags |= bpv7.MustNotFragmented
	}

	b, err := bpv7.Builder().
		Source(source).
		Destination(req.Destination).
		BundleCtrlFlags(flags).
		CreationTimestampNow().
		Lifetime(lifetime).
		Priority(prio).
		Payload(bpv7.PayloadRef{Length: uint64(len(req.Payload))}).
		Build()
	if err != nil {
		return b, err
	}

	n.ids.update(&b)
	return b, nil
}

func (n *Node) handleBundle(w http.ResponseWriter, r *http.Request) {
	var req BundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err)
		return
	}

	b, err := n.buildBundle(req)
	if err != nil {
		badRequest(w, err)
		return
	}

	id, err := n.Receive(b, req.Payload)
	telemetry.WriteJSON(w, BundleResponse{Handle: id, Id: b.ID().String()}, err)
}

func (n *Node) handleLimboRelease(w http.ResponseWriter, _ *http.Request) {
	released, err := n.forwarder.ReleaseLimbo()
	telemetry.WriteJSON(w, LimboResponse{Released: released}, err)
}
