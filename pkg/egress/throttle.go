// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package egress

import (
	"github.com/dtn7/dtn7-clm/pkg/contact"
	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// throttle is the rate throttle of a plan. Its capacity is replenished by the
// clock and consumed by dispatching.
type throttle struct {
	pr *storage.PlanRecord
}

// active throttles have a nominal rate; otherwise no rate limit applies.
func (t throttle) active() bool {
	return t.pr.NominalRate > 0
}

// admits checks if a bundle might be sent now.
func (t throttle) admits() bool {
	return !t.active() || t.pr.Capacity > 0
}

// consume the estimated on-wire cost of a dispatched bundle.
func (t throttle) consume(cost uint64) {
	if t.active() {
		t.pr.Capacity -= int64(cost)
	}
}

// effectiveCeiling is the smaller of the contact's ceiling and the outduct's
// maximum payload length. Zero means no limit.
func effectiveCeiling(c contact.Ceiling, maxPayload uint64) uint64 {
	var limit uint64
	if c.Kind == contact.Limited {
		limit = c.Bytes
	}

	switch {
	case limit == 0:
		return maxPayload
	case maxPayload == 0 || limit < maxPayload:
		return limit
	default:
		return maxPayload
	}
}
