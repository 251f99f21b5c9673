// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package egress

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// DefaultStarvationSeconds is the anti-starvation threshold of a
// WeightedSelector without a configured one, in seconds of nominal rate.
const DefaultStarvationSeconds = 10

// defaultStarvationRate replaces a plan's unset nominal rate when calculating
// the anti-starvation threshold, in bytes per second.
const defaultStarvationRate = 1000000

// Selector chooses the next bundle of a plan's issuance queues.
type Selector interface {
	// Select the next bundle. If all queues are empty, ok is false.
	Select(tx *storage.Txn, pr *storage.PlanRecord) (rec storage.BundleRecord, ok bool, err error)

	// Account a dispatched bundle's payload length to its flow.
	Account(pr *storage.PlanRecord, p bpv7.Priority, length uint64)
}

// Mode of the flow selection.
type Mode int

const (
	// Strict priority always prefers urgent over standard over bulk.
	Strict Mode = iota

	// Weighted fair queuing among standard and bulk; urgent still goes first.
	Weighted
)

// ParseMode parses "strict" or "weighted". An empty string results in Strict.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "strict", "":
		return Strict, nil
	case "weighted":
		return Weighted, nil
	default:
		return Strict, fmt.Errorf("unknown scheduling mode %q", s)
	}
}

func (m Mode) String() string {
	if m == Weighted {
		return "weighted"
	}
	return "strict"
}

// NewSelector creates the Selector for a Mode.
func NewSelector(m Mode, starvationSeconds uint64) Selector {
	if m == Weighted {
		return &WeightedSelector{StarvationSeconds: starvationSeconds}
	}
	return StrictSelector{}
}

// StrictSelector returns the head of the first non-empty queue, scanning
// urgent, standard and bulk.
type StrictSelector struct{}

func (StrictSelector) Select(tx *storage.Txn, pr *storage.PlanRecord) (rec storage.BundleRecord, ok bool, err error) {
	for _, p := range []bpv7.Priority{bpv7.Urgent, bpv7.Standard, bpv7.Bulk} {
		if rec, ok, err = tx.Head(storage.PlanQueue(pr.Name, p)); err != nil || ok {
			return
		}
	}
	return
}

func (StrictSelector) Account(*storage.PlanRecord, bpv7.Priority, uint64) {}

// WeightedSelector serves urgent bundles first. Among standard and bulk, the
// flow having been served least, relative to its scaling factor, is chosen.
// If the served volumes drift apart more than StarvationSeconds worth of the
// plan's nominal rate, all flows are reset. A zero StarvationSeconds means
// DefaultStarvationSeconds.
type WeightedSelector struct {
	StarvationSeconds uint64
}

// served is the flow's sent volume divided by its scaling factor.
func served(pr *storage.PlanRecord, p bpv7.Priority) uint64 {
	scale := pr.Flows[p].ScalingFactor
	if scale == 0 {
		scale = 1 << uint(p)
	}
	return pr.Flows[p].TotalBytesSent / scale
}

func (ws *WeightedSelector) Select(tx *storage.Txn, pr *storage.PlanRecord) (rec storage.BundleRecord, ok bool, err error) {
	if rec, ok, err = tx.Head(storage.PlanQueue(pr.Name, bpv7.Urgent)); err != nil || ok {
		return
	}

	var best uint64
	for _, p := range []bpv7.Priority{bpv7.Standard, bpv7.Bulk} {
		head, headOk, headErr := tx.Head(storage.PlanQueue(pr.Name, p))
		if headErr != nil {
			err = headErr
			return
		} else if !headOk {
			continue
		}

		if s := served(pr, p); !ok || s < best {
			rec, ok, best = head, true, s
		}
	}
	return
}

// threshold is the anti-starvation bound in scaled bytes.
func (ws *WeightedSelector) threshold(pr *storage.PlanRecord) uint64 {
	rate := pr.NominalRate
	if rate == 0 {
		rate = defaultStarvationRate
	}
	seconds := ws.StarvationSeconds
	if seconds == 0 {
		seconds = DefaultStarvationSeconds
	}
	return seconds * rate
}

func (ws *WeightedSelector) Account(pr *storage.PlanRecord, p bpv7.Priority, length uint64) {
	if p == bpv7.Urgent {
		return
	}

	pr.Flows[p].TotalBytesSent += length

	lo, hi := served(pr, bpv7.Bulk), served(pr, bpv7.Standard)
	if lo > hi {
		lo, hi = hi, lo
	}

	if hi-lo > ws.threshold(pr) {
		log.WithFields(log.Fields{
			"plan":      pr.Name,
			"imbalance": hi - lo,
		}).Debug("Flows drifted apart, resetting them")

		for i := range pr.Flows {
			pr.Flows[i].TotalBytesSent = 0
		}
	}
}
