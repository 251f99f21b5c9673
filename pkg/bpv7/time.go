// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"
)

// DtnTime counts the milliseconds since 2000-01-01 00:00:00 UTC.
type DtnTime uint64

// DtnTimeEpoch is the zero DtnTime. Bundles of nodes without an accurate
// clock carry it as their creation time.
const DtnTimeEpoch DtnTime = 0

// unixMillis2k is 2000-01-01 in milliseconds since the Unix epoch.
const unixMillis2k = 946684800000

// DtnTimeFromTime converts a time.Time; times before 2000 become the epoch.
func DtnTimeFromTime(t time.Time) DtnTime {
	ms := t.UnixMilli() - unixMillis2k
	if ms < 0 {
		return DtnTimeEpoch
	}
	return DtnTime(ms)
}

// DtnTimeNow is the current time as a DtnTime.
func DtnTimeNow() DtnTime {
	return DtnTimeFromTime(time.Now())
}

// Time converts back to a UTC time.Time.
func (t DtnTime) Time() time.Time {
	return time.UnixMilli(int64(t) + unixMillis2k).UTC()
}

// Add a duration, saturating at the epoch for negative results.
func (t DtnTime) Add(d time.Duration) DtnTime {
	ms := int64(t) + d.Milliseconds()
	if ms < 0 {
		return DtnTimeEpoch
	}
	return DtnTime(ms)
}

func (t DtnTime) String() string {
	return t.Time().Format("2006-01-02 15:04:05.000")
}

// CreationTimestamp distinguishes bundles of the same source. Bundles created
// within the same millisecond differ by their sequence number.
type CreationTimestamp struct {
	Time     DtnTime
	Sequence uint64
}

// NewCreationTimestamp from a creation time and a sequence number.
func NewCreationTimestamp(created DtnTime, sequence uint64) CreationTimestamp {
	return CreationTimestamp{Time: created, Sequence: sequence}
}

// DtnTime returns the creation time.
func (ct CreationTimestamp) DtnTime() DtnTime {
	return ct.Time
}

// SequenceNumber returns the sequence number.
func (ct CreationTimestamp) SequenceNumber() uint64 {
	return ct.Sequence
}

func (ct CreationTimestamp) String() string {
	return fmt.Sprintf("(%v, %d)", ct.Time, ct.Sequence)
}

// MarshalCbor writes the CreationTimestamp as a two element array.
func (ct *CreationTimestamp) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(ct.Time), w); err != nil {
		return err
	}
	return cboring.WriteUInt(ct.Sequence, w)
}

// UnmarshalCbor reads a two element array into the CreationTimestamp.
func (ct *CreationTimestamp) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("creation timestamp has %d elements instead of 2", l)
	}

	created, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	seq, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}

	*ct = NewCreationTimestamp(DtnTime(created), seq)
	return nil
}
