// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// Labels of KindFragmentation, KindCustody and KindOutduct Counters.
const (
	LabelFragmented = "fragmented"
	LabelFragments  = "fragments"
	LabelAccepted   = "accepted"
	LabelReleased   = "released"
	LabelSent       = "sent"
	LabelFailed     = "failed"
	LabelDequeued   = "dequeued"
)

// ActivityFailed is the activity character of a failed transmission.
const ActivityFailed byte = 'x'

// Tally updates the Counters within the callers' transactions and emits
// activity characters.
type Tally struct {
	mutex sync.Mutex
	out   io.Writer
	hub   *Hub
}

// NewTally creates a Tally. Activity characters are written to out and
// broadcast by the hub; both might be nil.
func NewTally(out io.Writer, hub *Hub) *Tally {
	return &Tally{out: out, hub: hub}
}

// Dispatched counts a bundle handed to an outduct by the plan's dispatcher.
func (t *Tally) Dispatched(tx *storage.Txn, plan string, p bpv7.Priority, length uint64) error {
	if err := add(tx, KindClass, "", p.String(), 1, length); err != nil {
		return err
	}
	return add(tx, KindPlan, plan, LabelDequeued, 1, length)
}

// Rerouted counts a bundle handed back to the forwarder by a plan.
func (t *Tally) Rerouted(tx *storage.Txn, plan string, reason string) error {
	return add(tx, KindReroute, plan, reason, 1, 0)
}

// Fragmented counts one fragmented bundle and its fragments.
func (t *Tally) Fragmented(tx *storage.Txn, fragments uint64) error {
	if err := add(tx, KindFragmentation, "", LabelFragmented, 1, 0); err != nil {
		return err
	}
	return add(tx, KindFragmentation, "", LabelFragments, fragments, 0)
}

// Custody counts accepted and released custody commitments.
func (t *Tally) Custody(tx *storage.Txn, accepted, released uint64) error {
	if err := add(tx, KindCustody, "", LabelAccepted, accepted, 0); err != nil {
		return err
	}
	return add(tx, KindCustody, "", LabelReleased, released, 0)
}

// Transmitted counts a bundle sent by an outduct's convergence layer.
func (t *Tally) Transmitted(tx *storage.Txn, outduct string, length uint64) error {
	return add(tx, KindOutduct, outduct, LabelSent, 1, length)
}

// TransmissionFailed counts a failed transmission of an outduct.
func (t *Tally) TransmissionFailed(tx *storage.Txn, outduct string) error {
	return add(tx, KindOutduct, outduct, LabelFailed, 1, 0)
}

// Activity emits an activity character. It must be called after the counted
// transaction was committed.
func (t *Tally) Activity(c byte) {
	if t.out != nil {
		t.mutex.Lock()
		_, err := t.out.Write([]byte{c})
		t.mutex.Unlock()

		if err != nil {
			log.WithError(err).Debug("Writing activity character failed")
		}
	}

	if t.hub != nil {
		t.hub.Broadcast(c)
	}
}
