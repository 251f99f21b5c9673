// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
)

const dtnVersion uint64 = 7

// BundleID identifies a bundle by its source node, creation timestamp and
// fragmentation offset paired the total data length. The last two fields are
// only relevant if the referenced bundle is a fragment.
type BundleID struct {
	SourceNode EndpointID
	Timestamp  CreationTimestamp

	IsFragment      bool
	FragmentOffset  uint64
	TotalDataLength uint64
}

func (bid BundleID) String() string {
	var bldr strings.Builder

	_, _ = fmt.Fprintf(&bldr, "%v-%d-%d", bid.SourceNode, uint64(bid.Timestamp.Time), bid.Timestamp.Sequence)
	if bid.IsFragment {
		_, _ = fmt.Fprintf(&bldr, "-%d-%d", bid.FragmentOffset, bid.TotalDataLength)
	}

	return bldr.String()
}

// PayloadRef references a Bundle's payload, a byte range of a stored object.
// Multiple Bundles, e.g., fragments of the same original Bundle, may reference
// the same object.
type PayloadRef struct {
	Object string
	Offset uint64
	Length uint64
}

// Bundle is the header of a Bundle together with a reference to its payload.
type Bundle struct {
	ControlFlags      BundleControlFlags
	CRCType           CRCType
	Destination       EndpointID
	SourceNode        EndpointID
	ReportTo          EndpointID
	CreationTimestamp CreationTimestamp
	Lifetime          uint64
	Priority          Priority
	FragmentOffset    uint64
	TotalDataLength   uint64

	Payload PayloadRef
}

// ID returns this Bundle's BundleID.
func (b Bundle) ID() BundleID {
	return BundleID{
		SourceNode: b.SourceNode,
		Timestamp:  b.CreationTimestamp,

		IsFragment:      b.IsFragment(),
		FragmentOffset:  b.FragmentOffset,
		TotalDataLength: b.TotalDataLength,
	}
}

// IsFragment checks if this Bundle is a fragment of another Bundle.
func (b Bundle) IsFragment() bool {
	return b.ControlFlags.Has(IsFragment)
}

// PayloadLength is the length of this Bundle's payload in bytes.
func (b Bundle) PayloadLength() uint64 {
	return b.Payload.Length
}

// CustodyRequested checks if the custody transfer was requested for this Bundle.
func (b Bundle) CustodyRequested() bool {
	return b.ControlFlags.Has(CustodyRequested)
}

// ExpirationTime is the point in time after which this Bundle must be deleted.
func (b Bundle) ExpirationTime() time.Time {
	return b.CreationTimestamp.Time.Add(time.Duration(b.Lifetime) * time.Millisecond).Time()
}

// IsLifetimeExceeded checks if the Bundle's lifetime is exceeded.
func (b Bundle) IsLifetimeExceeded() bool {
	return time.Now().After(b.ExpirationTime())
}

// CheckValid returns an error for incorrect data.
func (b Bundle) CheckValid() (errs error) {
	if bcfErr := b.ControlFlags.CheckValid(); bcfErr != nil {
		errs = multierror.Append(errs, bcfErr)
	}

	for _, eid := range []EndpointID{b.Destination, b.SourceNode, b.ReportTo} {
		if eidErr := eid.CheckValid(); eidErr != nil {
			errs = multierror.Append(errs, eidErr)
		}
	}

	if prioErr := b.Priority.CheckValid(); prioErr != nil {
		errs = multierror.Append(errs, prioErr)
	}

	if b.SourceNode == DtnNone() && !b.ControlFlags.Has(MustNotFragmented) {
		errs = multierror.Append(errs,
			fmt.Errorf("Bundle: Source Node is dtn:none, but Bundle could be fragmented"))
	}

	if b.IsFragment() && b.FragmentOffset+b.Payload.Length > b.TotalDataLength {
		errs = multierror.Append(errs, fmt.Errorf(
			"Bundle: fragment's range %d+%d exceeds total data length %d",
			b.FragmentOffset, b.Payload.Length, b.TotalDataLength))
	}

	return
}

// HasCRC returns true if the CRCType indicates a CRC present for this block.
func (b Bundle) HasCRC() bool {
	return b.CRCType != CRCNo
}

// MarshalCbor writes the CBOR representation of this Bundle's header. The
// payload is not part of the header and must be written by the caller.
func (b *Bundle) MarshalCbor(w io.Writer) error {
	var blockLen uint64 = 9
	if b.IsFragment() {
		blockLen += 2
	}
	if b.HasCRC() {
		blockLen++
	}

	crcBuff := new(bytes.Buffer)
	if b.HasCRC() {
		w = io.MultiWriter(w, crcBuff)
	}

	if err := cboring.WriteArrayLength(blockLen, w); err != nil {
		return err
	}

	for _, f := range []uint64{dtnVersion, uint64(b.ControlFlags), uint64(b.CRCType)} {
		if err := cboring.WriteUInt(f, w); err != nil {
			return err
		}
	}

	for _, eid := range []*EndpointID{&b.Destination, &b.SourceNode, &b.ReportTo} {
		if err := cboring.Marshal(eid, w); err != nil {
			return fmt.Errorf("EndpointID failed: %v", err)
		}
	}

	if err := cboring.Marshal(&b.CreationTimestamp, w); err != nil {
		return fmt.Errorf("CreationTimestamp failed: %v", err)
	}

	fields := []uint64{b.Lifetime, uint64(b.Priority)}
	if b.IsFragment() {
		fields = append(fields, b.FragmentOffset, b.TotalDataLength)
	}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, w); err != nil {
			return err
		}
	}

	if b.HasCRC() {
		if crcVal, crcErr := calculateCRCBuff(crcBuff, b.CRCType); crcErr != nil {
			return crcErr
		} else if err := cboring.WriteByteString(crcVal, w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor reads the CBOR representation of a Bundle's header.
func (b *Bundle) UnmarshalCbor(r io.Reader) error {
	crcBuff := new(bytes.Buffer)
	r = io.TeeReader(r, crcBuff)

	var blockLen uint64
	if bl, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if !(9 <= bl && bl <= 12) {
		return fmt.Errorf("expected array with 9 to 12 elements, got %d", bl)
	} else {
		blockLen = bl
	}

	if version, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if version != dtnVersion {
		return fmt.Errorf("expected version %d, got %d", dtnVersion, version)
	}

	if bcf, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		b.ControlFlags = BundleControlFlags(bcf)
	}

	if crcT, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		b.CRCType = CRCType(crcT)
	}

	for _, eid := range []*EndpointID{&b.Destination, &b.SourceNode, &b.ReportTo} {
		if err := cboring.Unmarshal(eid, r); err != nil {
			return fmt.Errorf("EndpointID failed: %v", err)
		}
	}

	if err := cboring.Unmarshal(&b.CreationTimestamp, r); err != nil {
		return fmt.Errorf("CreationTimestamp failed: %v", err)
	}

	if lt, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		b.Lifetime = lt
	}

	if prio, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		b.Priority = Priority(prio)
	}

	if b.IsFragment() {
		for _, f := range []*uint64{&b.FragmentOffset, &b.TotalDataLength} {
			if x, err := cboring.ReadUInt(r); err != nil {
				return err
			} else {
				*f = x
			}
		}
	}

	expectedLen := uint64(9)
	if b.IsFragment() {
		expectedLen += 2
	}
	if b.HasCRC() {
		expectedLen++
	}
	if blockLen != expectedLen {
		return fmt.Errorf("expected array with %d elements, got %d", expectedLen, blockLen)
	}

	if b.HasCRC() {
		if crcCalc, crcErr := calculateCRCBuff(crcBuff, b.CRCType); crcErr != nil {
			return crcErr
		} else if crcVal, err := cboring.ReadByteString(r); err != nil {
			return err
		} else if !bytes.Equal(crcCalc, crcVal) {
			return fmt.Errorf("invalid CRC value: %x instead of expected %x", crcVal, crcCalc)
		}
	}

	return nil
}

// HeaderLength is the length of this Bundle's serialized header in bytes.
func (b Bundle) HeaderLength() int {
	buff := new(bytes.Buffer)
	if err := b.MarshalCbor(buff); err != nil {
		return 0
	}
	return buff.Len()
}

func (b Bundle) String() string {
	var bldr strings.Builder

	_, _ = fmt.Fprintf(&bldr, "%v, destination: %v, priority: %v, payload: %d",
		b.ID(), b.Destination, b.Priority, b.Payload.Length)
	if flags := b.ControlFlags.String(); flags != "" {
		_, _ = fmt.Fprintf(&bldr, ", flags: %s", flags)
	}

	return bldr.String()
}
