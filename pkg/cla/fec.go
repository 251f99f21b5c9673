// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"bytes"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// FEC is a Reed-Solomon forward error correction, splitting a payload into
// Data shards and adding Parity shards. Up to Parity lost shards can be
// reconstructed.
type FEC struct {
	Data   int
	Parity int

	encoder reedsolomon.Encoder
}

// NewFEC creates a FEC for the given amount of data and parity shards.
func NewFEC(data, parity int) (*FEC, error) {
	enc, err := reedsolomon.New(data, parity)
	if err != nil {
		return nil, fmt.Errorf("creating Reed-Solomon encoder for %d+%d shards failed: %w", data, parity, err)
	}

	return &FEC{
		Data:    data,
		Parity:  parity,
		encoder: enc,
	}, nil
}

// Encode a payload into Data+Parity shards of equal size.
func (f *FEC) Encode(payload []byte) ([][]byte, error) {
	shards, err := f.encoder.Split(payload)
	if err != nil {
		return nil, err
	}

	if err := f.encoder.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// Decode shards into a payload of the given length. Lost shards must be nil.
func (f *FEC) Decode(shards [][]byte, length int) ([]byte, error) {
	if len(shards) != f.Data+f.Parity {
		return nil, fmt.Errorf("expected %d shards, got %d", f.Data+f.Parity, len(shards))
	}

	if ok, _ := f.encoder.Verify(shards); !ok {
		if err := f.encoder.Reconstruct(shards); err != nil {
			return nil, fmt.Errorf("reconstructing shards failed: %w", err)
		}
	}

	var buf bytes.Buffer
	buf.Grow(length)
	if err := f.encoder.Join(&buf, shards, length); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WireSize of length bytes after encoding.
func (f *FEC) WireSize(length uint64) uint64 {
	return fecWireSize(f.Data, f.Parity, length)
}

func fecWireSize(data, parity int, length uint64) uint64 {
	if data <= 0 || parity <= 0 || length == 0 {
		return length
	}

	shard := (length + uint64(data) - 1) / uint64(data)
	return shard * uint64(data+parity)
}

// Estimator estimates an outduct's on-wire cost, including its FEC overhead.
type Estimator struct{}

// WireSize of length bytes sent through an outduct.
func (Estimator) WireSize(od storage.OutductRecord, length uint64) uint64 {
	return fecWireSize(od.FecData, od.FecParity, length)
}
