// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"fmt"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
)

// StatusKind tells what a ConvergenceReceiver reports.
type StatusKind uint8

const (
	_ StatusKind = iota

	// ReceivedBundle reports an incoming bundle in Bundle and Payload.
	ReceivedBundle

	// ReceiverFailed reports a failed receiver; Err holds the cause.
	ReceiverFailed
)

func (sk StatusKind) String() string {
	switch sk {
	case ReceivedBundle:
		return "received-bundle"
	case ReceiverFailed:
		return "receiver-failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(sk))
	}
}

// ReceiverStatus is passed from a ConvergenceReceiver through its channel.
// The received Bundle's payload reference only carries the length.
type ReceiverStatus struct {
	Receiver string
	Kind     StatusKind

	Bundle  bpv7.Bundle
	Payload []byte

	Err error
}

func (rs ReceiverStatus) String() string {
	switch rs.Kind {
	case ReceivedBundle:
		return fmt.Sprintf("%v %v from %s", rs.Kind, rs.Bundle.ID(), rs.Receiver)
	case ReceiverFailed:
		return fmt.Sprintf("%v %s: %v", rs.Kind, rs.Receiver, rs.Err)
	default:
		return fmt.Sprintf("%v from %s", rs.Kind, rs.Receiver)
	}
}

// NewReceivedBundle reports a Frame read by a receiver.
func NewReceivedBundle(receiver Convergence, f Frame) ReceiverStatus {
	return ReceiverStatus{
		Receiver: receiver.Address(),
		Kind:     ReceivedBundle,
		Bundle:   f.Bundle,
		Payload:  f.Payload,
	}
}

// NewReceiverFailed reports a receiver's failure.
func NewReceiverFailed(receiver Convergence, err error) ReceiverStatus {
	return ReceiverStatus{
		Receiver: receiver.Address(),
		Kind:     ReceiverFailed,
		Err:      err,
	}
}
