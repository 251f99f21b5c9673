// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// FlowStatus is the weighted scheduling state of a plan's priority queue.
type FlowStatus struct {
	Queued         int    `json:"queued"`
	TotalBytesSent uint64 `json:"total-bytes-sent"`
	ScalingFactor  uint64 `json:"scaling-factor"`
}

// PlanStatus is the reported state of a plan.
type PlanStatus struct {
	Name        string                `json:"name"`
	Neighbor    bpv7.EndpointID       `json:"neighbor"`
	Outduct     string                `json:"outduct"`
	NominalRate uint64                `json:"nominal-rate"`
	Capacity    int64                 `json:"capacity"`
	Flows       map[string]FlowStatus `json:"flows"`
	Backlog     int                   `json:"backlog"`
	Pid         int                   `json:"pid,omitempty"`
	Stopped     bool                  `json:"stopped"`
}

// Status of a plan, read within tx.
func Status(tx *storage.Txn, pr storage.PlanRecord) (ps PlanStatus, err error) {
	ps = PlanStatus{
		Name:        pr.Name,
		Neighbor:    pr.Neighbor,
		Outduct:     pr.Outduct,
		NominalRate: pr.NominalRate,
		Capacity:    pr.Capacity,
		Flows:       make(map[string]FlowStatus),
		Pid:         pr.Pid,
		Stopped:     pr.Stopped,
	}

	for _, p := range bpv7.Priorities {
		fs := FlowStatus{
			TotalBytesSent: pr.Flows[p].TotalBytesSent,
			ScalingFactor:  pr.Flows[p].ScalingFactor,
		}
		if fs.Queued, err = tx.QueueLength(storage.PlanQueue(pr.Name, p)); err != nil {
			return
		}
		ps.Flows[p.String()] = fs
	}

	ps.Backlog, err = tx.QueueLength(storage.XmitQueue(pr.Outduct))
	return
}

// Handler serves the telemetry via HTTP:
//
//	GET /telemetry     all Counters
//	GET /plans         all PlanStatus
//	GET /plans/{name}  one PlanStatus
//	GET /activity      WebSocket stream of activity characters
//	GET /metrics       Prometheus exposition
type Handler struct {
	store  *storage.Store
	router *mux.Router
}

// NewHandler registers the telemetry routes on the router. The hub might be
// nil, disabling the /activity route.
func NewHandler(router *mux.Router, store *storage.Store, hub *Hub) (*Handler, error) {
	h := &Handler{
		store:  store,
		router: router,
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(NewCollector(store)); err != nil {
		return nil, err
	}

	router.HandleFunc("/telemetry", h.handleTelemetry).Methods(http.MethodGet)
	router.HandleFunc("/plans", h.handlePlans).Methods(http.MethodGet)
	router.HandleFunc("/plans/{name}", h.handlePlan).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if hub != nil {
		router.Handle("/activity", hub)
	}

	return h, nil
}

// ServeHTTP is a http.Handler to be bound to a HTTP server.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// WriteJSON writes v as JSON or, if err is set, an error response.
func WriteJSON(w http.ResponseWriter, v interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")

	switch {
	case errors.Is(err, storage.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
		v = map[string]string{"error": err.Error()}

	case err != nil:
		w.WriteHeader(http.StatusInternalServerError)
		v = map[string]string{"error": err.Error()}
	}

	if encErr := json.NewEncoder(w).Encode(v); encErr != nil {
		log.WithError(encErr).Warn("Failed to write HTTP response")
	}
}

func (h *Handler) handleTelemetry(w http.ResponseWriter, _ *http.Request) {
	counters, err := Snapshot(h.store)
	WriteJSON(w, counters, err)
}

func (h *Handler) handlePlans(w http.ResponseWriter, _ *http.Request) {
	var statuses []PlanStatus
	err := h.store.View(func(tx *storage.Txn) error {
		plans, err := tx.Plans()
		if err != nil {
			return err
		}

		statuses = make([]PlanStatus, 0, len(plans))
		for _, pr := range plans {
			ps, err := Status(tx, pr)
			if err != nil {
				return err
			}
			statuses = append(statuses, ps)
		}
		return nil
	})

	WriteJSON(w, statuses, err)
}

func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var ps PlanStatus
	err := h.store.View(func(tx *storage.Txn) error {
		pr, err := tx.Plan(name)
		if err != nil {
			return err
		}
		ps, err = Status(tx, pr)
		return err
	})

	WriteJSON(w, ps, err)
}
