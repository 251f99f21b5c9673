// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"time"
)

// BundleBuilder is a simple framework to create bundles by method chaining.
//
//	bndl, err := bpv7.Builder().
//	  Source("ipn:1.1").
//	  Destination("ipn:2.1").
//	  CreationTimestampNow().
//	  Lifetime("10m").
//	  Payload(bpv7.PayloadRef{Object: "obj", Length: 512}).
//	  Build()
type BundleBuilder struct {
	err  error
	bndl Bundle
}

// Builder creates a new BundleBuilder.
func Builder() *BundleBuilder {
	return &BundleBuilder{
		bndl: Bundle{Priority: Standard},
	}
}

// Error returns the BundleBuilder's error, if one is present.
func (bldr *BundleBuilder) Error() error {
	return bldr.err
}

// Build a new Bundle from this BundleBuilder. An error is returned if some
// field was set wrongly or a required field is missing.
func (bldr *BundleBuilder) Build() (bndl Bundle, err error) {
	if bldr.err != nil {
		err = bldr.err
		return
	}

	if bldr.bndl.SourceNode.IsZero() || bldr.bndl.Destination.IsZero() {
		err = fmt.Errorf("both Source and Destination must be set")
		return
	}

	if bldr.bndl.ReportTo.IsZero() {
		bldr.bndl.ReportTo = bldr.bndl.SourceNode
	}

	bndl = bldr.bndl
	err = bndl.CheckValid()
	return
}

// bldrParseEndpoint returns an EndpointID for a given EndpointID or a string.
func bldrParseEndpoint(eid interface{}) (e EndpointID, err error) {
	switch eid := eid.(type) {
	case EndpointID:
		e = eid
	case string:
		e, err = NewEndpointID(eid)
	default:
		err = fmt.Errorf("%T is neither an EndpointID nor a string", eid)
	}
	return
}

// bldrParseLifetime returns milliseconds for a given number of milliseconds, a
// time.Duration or a duration string.
func bldrParseLifetime(duration interface{}) (ms uint64, err error) {
	switch duration := duration.(type) {
	case uint64:
		ms = duration
	case int:
		if duration < 0 {
			err = fmt.Errorf("lifetime's duration %d < 0", duration)
		}
		ms = uint64(duration)
	case time.Duration:
		ms = uint64(duration.Milliseconds())
	case string:
		dur, durErr := time.ParseDuration(duration)
		if durErr != nil {
			err = durErr
		} else if dur <= 0 {
			err = fmt.Errorf("lifetime's duration %v <= 0", dur)
		} else {
			ms = uint64(dur.Milliseconds())
		}
	default:
		err = fmt.Errorf("%T is neither an uint64, a time.Duration nor a string", duration)
	}
	return
}

func (bldr *BundleBuilder) endpoint(eid interface{}, field *EndpointID) *BundleBuilder {
	if bldr.err != nil {
		return bldr
	}

	if e, err := bldrParseEndpoint(eid); err != nil {
		bldr.err = err
	} else {
		*field = e
	}

	return bldr
}

// Destination sets the Bundle's destination, an EndpointID or its string.
func (bldr *BundleBuilder) Destination(eid interface{}) *BundleBuilder {
	return bldr.endpoint(eid, &bldr.bndl.Destination)
}

// Source sets the Bundle's source node, an EndpointID or its string.
func (bldr *BundleBuilder) Source(eid interface{}) *BundleBuilder {
	return bldr.endpoint(eid, &bldr.bndl.SourceNode)
}

// ReportTo sets the Bundle's report-to endpoint. It defaults to the source.
func (bldr *BundleBuilder) ReportTo(eid interface{}) *BundleBuilder {
	return bldr.endpoint(eid, &bldr.bndl.ReportTo)
}

// BundleCtrlFlags sets the bundle processing control flags.
func (bldr *BundleBuilder) BundleCtrlFlags(bcf BundleControlFlags) *BundleBuilder {
	if bldr.err == nil {
		bldr.bndl.ControlFlags = bcf
	}
	return bldr
}

// CRC sets the CRC type for the Bundle's header.
func (bldr *BundleBuilder) CRC(crcType CRCType) *BundleBuilder {
	if bldr.err == nil {
		bldr.bndl.CRCType = crcType
	}
	return bldr
}

// CreationTimestampEpoch sets the creation timestamp to the DTN epoch.
func (bldr *BundleBuilder) CreationTimestampEpoch() *BundleBuilder {
	return bldr.CreationTimestampTime(DtnTimeEpoch.Time())
}

// CreationTimestampNow sets the creation timestamp to the current time.
func (bldr *BundleBuilder) CreationTimestampNow() *BundleBuilder {
	return bldr.CreationTimestampTime(time.Now())
}

// CreationTimestampTime sets the creation timestamp to the given time.
func (bldr *BundleBuilder) CreationTimestampTime(t time.Time) *BundleBuilder {
	if bldr.err == nil {
		bldr.bndl.CreationTimestamp = NewCreationTimestamp(DtnTimeFromTime(t), 0)
	}
	return bldr
}

// SequenceNumber sets the creation timestamp's sequence number.
func (bldr *BundleBuilder) SequenceNumber(seq uint64) *BundleBuilder {
	if bldr.err == nil {
		bldr.bndl.CreationTimestamp.Sequence = seq
	}
	return bldr
}

// Lifetime sets the lifetime, either as milliseconds, a time.Duration or a
// duration string, e.g., "10m".
func (bldr *BundleBuilder) Lifetime(duration interface{}) *BundleBuilder {
	if bldr.err != nil {
		return bldr
	}

	if ms, err := bldrParseLifetime(duration); err != nil {
		bldr.err = err
	} else {
		bldr.bndl.Lifetime = ms
	}

	return bldr
}

// Priority sets the Bundle's class of service.
func (bldr *BundleBuilder) Priority(p Priority) *BundleBuilder {
	if bldr.err == nil {
		bldr.bndl.Priority = p
	}
	return bldr
}

// Payload sets the reference to the Bundle's payload.
func (bldr *BundleBuilder) Payload(ref PayloadRef) *BundleBuilder {
	if bldr.err == nil {
		bldr.bndl.Payload = ref
	}
	return bldr
}
