// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"bytes"
	"testing"

	"github.com/dtn7/dtn7-clm/pkg/storage"
)

func testPayload(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	return payload
}

func TestFECReconstruct(t *testing.T) {
	fec, err := NewFEC(4, 2)
	if err != nil {
		t.Fatal(err)
	}

	payload := testPayload(1001)

	tests := []struct {
		name string
		lost []int
		ok   bool
	}{
		{"none", nil, true},
		{"one data shard", []int{1}, true},
		{"data and parity shard", []int{0, 5}, true},
		{"two data shards", []int{2, 3}, true},
		{"three shards", []int{0, 1, 2}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			shards, err := fec.Encode(payload)
			if err != nil {
				t.Fatal(err)
			} else if len(shards) != 6 {
				t.Fatalf("expected 6 shards, got %d", len(shards))
			}

			for _, i := range test.lost {
				shards[i] = nil
			}

			decoded, err := fec.Decode(shards, len(payload))
			if !test.ok {
				if err == nil {
					t.Fatal("decoding succeeded with too many lost shards")
				}
				return
			}

			if err != nil {
				t.Fatal(err)
			} else if !bytes.Equal(decoded, payload) {
				t.Fatal("decoded payload differs")
			}
		})
	}
}

func TestFECInvalid(t *testing.T) {
	if _, err := NewFEC(0, 2); err == nil {
		t.Fatal("FEC without data shards was created")
	}
}

func TestWireSize(t *testing.T) {
	tests := []struct {
		data, parity int
		length       uint64
		expected     uint64
	}{
		{0, 0, 1000, 1000},
		{4, 0, 1000, 1000},
		{4, 2, 0, 0},
		{4, 2, 1000, 1500},
		{4, 2, 1001, 1506},
		{10, 4, 3, 14},
	}

	for _, test := range tests {
		od := storage.OutductRecord{FecData: test.data, FecParity: test.parity}
		if size := (Estimator{}).WireSize(od, test.length); size != test.expected {
			t.Errorf("%d+%d shards for %d bytes: expected %d, got %d",
				test.data, test.parity, test.length, test.expected, size)
		}
	}

	fec, err := NewFEC(4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if size := fec.WireSize(1000); size != 1500 {
		t.Fatalf("expected 1500, got %d", size)
	}
}
