// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package mtcp implements the Minimal TCP Convergence-Layer Protocol (MTCP).
//
// Each Frame is sent as a CBOR byte string. Empty byte strings are used as
// keepalive probes and are ignored by the server.
package mtcp
