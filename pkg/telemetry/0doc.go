// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package telemetry tallies the work of dispatchers and convergence-layer
// adapters and reports it.
//
// Counters are records of the store and are updated within the same
// transaction as the work they count. Thus, a discarded transaction never
// leaves a counted but undone dispatch behind.
//
// Besides the counters, single activity characters are emitted after each
// committed transaction, e.g., 'c' for a dispatched bundle. These are written
// to an optional io.Writer and broadcast to WebSocket subscribers of the Hub.
//
// The Handler exposes the counters and the plans' state via HTTP, including
// a Prometheus exposition on /metrics.
package telemetry
