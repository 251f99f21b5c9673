// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"sort"
)

// ErrMustNotFragment is returned when splitting a Bundle flagged as non-fragmentable.
var ErrMustNotFragment = fmt.Errorf("bundle control flags forbids bundle fragmentation")

// Fragment splits a Bundle into a head fragment of exactly ceiling payload bytes
// and a tail fragment carrying the remainder. Both fragments reference the
// parent's payload object; no payload data is copied.
//
// The ceiling must be greater than zero and smaller than the payload length.
func (b Bundle) Fragment(ceiling uint64) (head, tail Bundle, err error) {
	if b.ControlFlags.Has(MustNotFragmented) {
		err = ErrMustNotFragment
		return
	}

	length := b.Payload.Length
	if ceiling == 0 || ceiling >= length {
		err = fmt.Errorf("ceiling %d is not within the payload length (0, %d)", ceiling, length)
		return
	}

	var offset, total uint64
	if b.IsFragment() {
		offset, total = b.FragmentOffset, b.TotalDataLength
	} else {
		offset, total = 0, length
	}

	head = b
	head.ControlFlags |= IsFragment
	head.FragmentOffset = offset
	head.TotalDataLength = total
	head.Payload = PayloadRef{
		Object: b.Payload.Object,
		Offset: b.Payload.Offset,
		Length: ceiling,
	}

	tail = b
	tail.ControlFlags |= IsFragment
	tail.FragmentOffset = offset + ceiling
	tail.TotalDataLength = total
	tail.Payload = PayloadRef{
		Object: b.Payload.Object,
		Offset: b.Payload.Offset + ceiling,
		Length: length - ceiling,
	}

	return
}

// CheckFragmentCoverage sorts the slice of Bundle fragments and checks that they
// cover their total data length without gaps. This method sorts the given
// slice as a side effect.
func CheckFragmentCoverage(bs []Bundle) error {
	if len(bs) == 0 {
		return fmt.Errorf("slice of fragments is empty")
	}

	sort.Slice(bs, func(i, j int) bool {
		return bs[i].FragmentOffset < bs[j].FragmentOffset
	})

	lastIndex := uint64(0)
	for _, b := range bs {
		if !b.IsFragment() {
			return fmt.Errorf("bundle is not a fragment")
		}

		if fragOff := b.FragmentOffset; fragOff > lastIndex {
			return fmt.Errorf("next fragment starts at offset %d, gap from %d to %d", fragOff, lastIndex, fragOff)
		} else if end := fragOff + b.Payload.Length; end > lastIndex {
			lastIndex = end
		}
	}

	if total := bs[0].TotalDataLength; total != lastIndex {
		return fmt.Errorf("last index is %d and does not match total length of %d", lastIndex, total)
	}

	return nil
}
