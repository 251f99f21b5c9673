// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cla defines the convergence-layer side of egress.
//
// A ConvergenceSender transmits bundles through an outduct to a neighbor. Each
// outduct is driven by an Adapter, draining the outduct's transmit buffer
// after being woken up by its dispatcher.
//
// A ConvergenceReceiver accepts bundles from neighbors and reports them on
// its channel. Receivers are supervised by a Manager.
//
// On the wire, bundles are exchanged as Frames, optionally protected by a
// Reed-Solomon FEC.
package cla

import "github.com/dtn7/dtn7-clm/pkg/bpv7"

// Convergence describes the lifecycle of all kinds of convergence-layer
// adapters.
type Convergence interface {
	// Start this Convergence. It might return an error and a boolean
	// indicating if another Start should be tried later.
	Start() (error, bool)

	// Close this Convergence.
	Close() error

	// Address should return a unique address string to identify this
	// Convergence.
	Address() string
}

// ConvergenceSender is a Convergence to transmit bundles to another node.
type ConvergenceSender interface {
	Convergence

	// Send transmits a bundle together with its payload. This method must be
	// thread safe and finish transmitting one bundle before acting on the next.
	Send(b bpv7.Bundle, payload []byte) error
}

// ConvergenceReceiver is a Convergence which receives bundles and reports
// them to its Channel.
type ConvergenceReceiver interface {
	Convergence

	// Channel represents a return channel for received bundles.
	Channel() chan ReceiverStatus
}
