// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bpv7 provides the Bundle model used by the egress dispatcher. A Bundle
// is kept as its header fields together with a reference to its payload, which
// lives outside of the Bundle in the store's payload objects. Thus, splitting a
// Bundle into fragments never copies payload data.
//
// The easiest way to create new Bundles is to use the BundleBuilder.
//
//	bundle, err := bpv7.Builder().
//	  Source("ipn:1.1").
//	  Destination("ipn:3.1").
//	  CreationTimestampNow().
//	  Lifetime("1h").
//	  Priority(bpv7.Urgent).
//	  Payload(bpv7.PayloadRef{Object: "obj", Length: 5000}).
//	  Build()
//
// A Bundle's header can be serialized into CBOR, optionally protected by a CRC.
// This is used by the convergence layer to frame transmissions.
package bpv7
