// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"fmt"
	"hash/crc32"
	"io"

	"github.com/dtn7/cboring"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
)

// Frame is a bundle's header together with its payload, as exchanged by the
// convergence layers.
//
// A plain Frame is a CBOR array of the header and the payload byte string. If
// a FEC is set, the payload is sent as an array of shards, each prefixed by its
// CRC32 value; shards with a mismatching CRC are treated as lost:
//
//	[header, length, data, parity, [[crc, shard], ...]]
type Frame struct {
	Bundle  bpv7.Bundle
	Payload []byte

	// FEC to be used for marshalling, nil disables it.
	FEC *FEC
}

const (
	framePlainLen = 2
	frameFecLen   = 5
)

// MarshalCbor writes this Frame's CBOR representation.
func (f *Frame) MarshalCbor(w io.Writer) error {
	fec := f.FEC
	if len(f.Payload) == 0 {
		fec = nil
	}

	arrLen := uint64(framePlainLen)
	if fec != nil {
		arrLen = frameFecLen
	}
	if err := cboring.WriteArrayLength(arrLen, w); err != nil {
		return err
	}

	if err := cboring.Marshal(&f.Bundle, w); err != nil {
		return fmt.Errorf("marshalling bundle header failed: %w", err)
	}

	if fec == nil {
		return cboring.WriteByteString(f.Payload, w)
	}

	shards, err := fec.Encode(f.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload failed: %w", err)
	}

	for _, n := range []uint64{uint64(len(f.Payload)), uint64(fec.Data), uint64(fec.Parity)} {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}

	if err := cboring.WriteArrayLength(uint64(len(shards)), w); err != nil {
		return err
	}
	for _, shard := range shards {
		if err := cboring.WriteArrayLength(2, w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(uint64(crc32.ChecksumIEEE(shard)), w); err != nil {
			return err
		}
		if err := cboring.WriteByteString(shard, w); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalCbor reads a Frame. The Bundle's payload reference only carries the
// payload's length afterwards.
func (f *Frame) UnmarshalCbor(r io.Reader) error {
	arrLen, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	} else if arrLen != framePlainLen && arrLen != frameFecLen {
		return fmt.Errorf("expected array with %d or %d elements, got %d", framePlainLen, frameFecLen, arrLen)
	}

	if err := cboring.Unmarshal(&f.Bundle, r); err != nil {
		return fmt.Errorf("unmarshalling bundle header failed: %w", err)
	}

	if arrLen == framePlainLen {
		if f.Payload, err = cboring.ReadByteString(r); err != nil {
			return err
		}
	} else if err := f.unmarshalShards(r); err != nil {
		return err
	}

	f.Bundle.Payload = bpv7.PayloadRef{Length: uint64(len(f.Payload))}
	return nil
}

func (f *Frame) unmarshalShards(r io.Reader) error {
	var fields [3]uint64
	for i := range fields {
		n, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		fields[i] = n
	}
	length, data, parity := fields[0], int(fields[1]), int(fields[2])

	fec, err := NewFEC(data, parity)
	if err != nil {
		return err
	}

	shardCount, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	} else if shardCount != uint64(data+parity) {
		return fmt.Errorf("expected %d shards, got %d", data+parity, shardCount)
	}

	shards := make([][]byte, shardCount)
	for i := range shards {
		if n, err := cboring.ReadArrayLength(r); err != nil {
			return err
		} else if n != 2 {
			return fmt.Errorf("expected shard array with 2 elements, got %d", n)
		}

		crc, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		shard, err := cboring.ReadByteString(r)
		if err != nil {
			return err
		}

		if uint64(crc32.ChecksumIEEE(shard)) == crc {
			shards[i] = shard
		}
	}

	f.FEC = fec
	f.Payload, err = fec.Decode(shards, int(length))
	return err
}
