// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dtn7/cboring"
	"github.com/howeyc/crc16"
)

// CRCType indicates which CRC type is used. Only the three defined consts
// CRCNo, CRC16 and CRC32 are valid.
type CRCType uint64

const (
	// CRCNo means no CRC to be present at all.
	CRCNo CRCType = 0

	// CRC16 represents "a standard X-25 CRC-16".
	CRC16 CRCType = 1

	// CRC32 represents "a standard CRC32C (Castagnoli) CRC-32".
	CRC32 CRCType = 2
)

// ParseCRCType from a configuration value: "no", "16" or "32".
func ParseCRCType(s string) (CRCType, error) {
	switch s {
	case "", "no":
		return CRCNo, nil
	case "16":
		return CRC16, nil
	case "32":
		return CRC32, nil
	default:
		return CRCNo, fmt.Errorf("unknown CRC type %q", s)
	}
}

func (c CRCType) String() string {
	switch c {
	case CRCNo:
		return "no"
	case CRC16:
		return "16"
	case CRC32:
		return "32"
	default:
		return "unknown"
	}
}

var (
	crc16table = crc16.MakeTable(crc16.CCITT)
	crc32table = crc32.MakeTable(crc32.Castagnoli)
)

// length of the CRC field in bytes.
func (c CRCType) length() (int, error) {
	switch c {
	case CRCNo:
		return 0, nil
	case CRC16:
		return 2, nil
	case CRC32:
		return 4, nil
	default:
		return 0, fmt.Errorf("unknown CRC type %d", uint64(c))
	}
}

// Checksum of some data, e.g., a transmitted payload, as a big endian value.
// For CRCNo, the checksum is nil.
func Checksum(data []byte, crcType CRCType) ([]byte, error) {
	n, err := crcType.length()
	if err != nil || n == 0 {
		return nil, err
	}

	sum := make([]byte, n)
	if crcType == CRC16 {
		binary.BigEndian.PutUint16(sum, crc16.Checksum(data, crc16table))
	} else {
		binary.BigEndian.PutUint32(sum, crc32.Checksum(data, crc32table))
	}
	return sum, nil
}

// calculateCRCBuff of a serialized header. The checksum covers the header with
// a zeroed CRC field appended.
func calculateCRCBuff(buff *bytes.Buffer, crcType CRCType) ([]byte, error) {
	n, err := crcType.length()
	if err != nil {
		return nil, err
	}

	if err := cboring.WriteByteString(make([]byte, n), buff); err != nil {
		return nil, err
	}
	return Checksum(buff.Bytes(), crcType)
}
