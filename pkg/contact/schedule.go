// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package contact predicts transmission opportunities towards neighbors from
// a contact plan of scheduled, rate-limited contacts.
package contact

import (
	"fmt"
	"time"

	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// State of the contact towards a neighbor at some point in time.
type State int

const (
	// None means there is neither an active nor a future contact.
	None State = iota

	// Pending means the next contact has not yet begun.
	Pending

	// Active means a contact is currently ongoing.
	Active
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Pending:
		return "pending"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Window describes the current or next contact towards a neighbor.
type Window struct {
	State State

	// Remaining duration of an active contact, or the time until a pending one.
	Remaining time.Duration

	// Rate in bytes per second.
	Rate uint64
}

// Schedule answers contact lookups for the local node from the contact
// records of the Store.
type Schedule struct {
	Local uint64
}

// NewSchedule for the local node number.
func NewSchedule(local uint64) *Schedule {
	return &Schedule{Local: local}
}

// Lookup the active or otherwise next contact from the local node towards a
// neighbor. Overlapping active contacts resolve to the one lasting longest.
func (s *Schedule) Lookup(tx *storage.Txn, neighbor uint64, now time.Time) (w Window, err error) {
	crs, err := tx.ContactsFrom(s.Local)
	if err != nil {
		return
	}

	var next *storage.ContactRecord
	for i := range crs {
		cr := &crs[i]
		if cr.To != neighbor || !now.Before(cr.End) {
			continue
		}

		if !cr.Start.After(now) {
			if remaining := cr.End.Sub(now); w.State != Active || remaining > w.Remaining {
				w = Window{State: Active, Remaining: remaining, Rate: cr.Rate}
			}
		} else if next == nil || cr.Start.Before(next.Start) {
			next = cr
		}
	}

	if w.State != Active && next != nil {
		w = Window{State: Pending, Remaining: next.Start.Sub(now), Rate: next.Rate}
	}
	return
}

// Neighbors lists every node reachable by a direct contact from the local node,
// ignoring expired contacts.
func (s *Schedule) Neighbors(tx *storage.Txn, now time.Time) (map[uint64]bool, error) {
	crs, err := tx.ContactsFrom(s.Local)
	if err != nil {
		return nil, err
	}

	neighbors := make(map[uint64]bool)
	for _, cr := range crs {
		if now.Before(cr.End) {
			neighbors[cr.To] = true
		}
	}
	return neighbors, nil
}
