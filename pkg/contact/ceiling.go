// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package contact

import (
	"fmt"
	"time"

	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// CeilingKind distinguishes the payload ceilings of a Predictor.
type CeilingKind int

const (
	// Unlimited means there is no basis to restrict the payload size.
	Unlimited CeilingKind = iota

	// Unknown means the ceiling cannot be predicted yet and must be polled again.
	Unknown

	// Limited means at most Ceiling.Bytes might be transmitted.
	Limited
)

// Ceiling is the maximum payload which can be sent towards a neighbor now.
type Ceiling struct {
	Kind  CeilingKind
	Bytes uint64
}

// UnlimitedCeiling does not restrict the payload size.
func UnlimitedCeiling() Ceiling { return Ceiling{Kind: Unlimited} }

// UnknownCeiling must be polled again later.
func UnknownCeiling() Ceiling { return Ceiling{Kind: Unknown} }

// BytesCeiling restricts the payload size to n bytes.
func BytesCeiling(n uint64) Ceiling { return Ceiling{Kind: Limited, Bytes: n} }

func (c Ceiling) String() string {
	switch c.Kind {
	case Unlimited:
		return "unlimited"
	case Unknown:
		return "unknown"
	case Limited:
		return fmt.Sprintf("%d bytes", c.Bytes)
	default:
		return fmt.Sprintf("invalid(%d)", int(c.Kind))
	}
}

// Predictor derives payload ceilings from a Schedule.
type Predictor struct {
	Schedule *Schedule
}

// NewPredictor creates a Predictor for a Schedule.
func NewPredictor(s *Schedule) *Predictor {
	return &Predictor{Schedule: s}
}

// Ceiling predicts how many bytes might be sent to a neighbor for the rest of
// the active contact. A neighbor number of zero is unknown and unlimited, as
// is a neighbor without any contact in the plan. A neighbor having only future
// contacts, or an active contact ending within the second, is Unknown.
func (p *Predictor) Ceiling(tx *storage.Txn, neighbor uint64, now time.Time) (Ceiling, error) {
	if neighbor == 0 {
		return UnlimitedCeiling(), nil
	}

	w, err := p.Schedule.Lookup(tx, neighbor, now)
	if err != nil {
		return Ceiling{}, err
	}

	switch w.State {
	case Active:
		if n := uint64(w.Remaining/time.Second) * w.Rate; n > 0 {
			return BytesCeiling(n), nil
		}
		return UnknownCeiling(), nil

	case Pending:
		return UnknownCeiling(), nil

	default:
		return UnlimitedCeiling(), nil
	}
}
