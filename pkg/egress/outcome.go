// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package egress

import (
	"fmt"
	"strconv"
)

// OutcomeKind is the result class of one dispatch cycle.
type OutcomeKind int

const (
	// Idle means all issuance queues are empty; wait for new work.
	Idle OutcomeKind = iota

	// Retryable means the cycle must be repeated after a polling sleep, e.g.,
	// because the throttle has no capacity or the contact ceiling is unknown.
	Retryable

	// Rerouted means the selected bundle was handed back to the forwarder or
	// held in limbo instead of being dispatched.
	Rerouted

	// Dispatched means a bundle was appended to the outduct's transmit buffer.
	Dispatched

	// Stopped means the plan was stopped administratively.
	Stopped

	// Fatal means the transaction was discarded and the dispatcher must end.
	Fatal
)

func (k OutcomeKind) String() string {
	switch k {
	case Idle:
		return "idle"
	case Retryable:
		return "retryable"
	case Rerouted:
		return "rerouted"
	case Dispatched:
		return "dispatched"
	case Stopped:
		return "stopped"
	case Fatal:
		return "fatal"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Outcome of one dispatch cycle.
type Outcome struct {
	Kind OutcomeKind

	// Reason for Retryable and Rerouted outcomes.
	Reason string

	// Bundle handle of Rerouted and Dispatched outcomes.
	Bundle uint64

	// Err of a Fatal outcome.
	Err error
}

func idle() Outcome                { return Outcome{Kind: Idle} }
func retry(reason string) Outcome  { return Outcome{Kind: Retryable, Reason: reason} }
func stopped() Outcome             { return Outcome{Kind: Stopped} }
func dispatched(id uint64) Outcome { return Outcome{Kind: Dispatched, Bundle: id} }
func fatal(err error) Outcome      { return Outcome{Kind: Fatal, Err: err} }
func rerouted(id uint64, reason string) Outcome {
	return Outcome{Kind: Rerouted, Bundle: id, Reason: reason}
}

func (o Outcome) String() string {
	switch o.Kind {
	case Retryable:
		return fmt.Sprintf("%v(%s)", o.Kind, o.Reason)
	case Rerouted:
		return fmt.Sprintf("%v(%d, %s)", o.Kind, o.Bundle, o.Reason)
	case Dispatched:
		return fmt.Sprintf("%v(%d)", o.Kind, o.Bundle)
	case Fatal:
		return fmt.Sprintf("%v(%v)", o.Kind, o.Err)
	default:
		return o.Kind.String()
	}
}
