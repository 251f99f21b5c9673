// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/dtn7/cboring"
)

const (
	dtnEndpointSchemeName string = "dtn"
	dtnEndpointSchemeNo   uint64 = 1
	dtnEndpointNoneSsp    string = "none"

	ipnEndpointSchemeName string = "ipn"
	ipnEndpointSchemeNo   uint64 = 2
)

var (
	ipnEndpointRegexp = regexp.MustCompile(`^ipn:(\d+)\.(\d+)$`)
	dtnEndpointRegexp = regexp.MustCompile(`^dtn:(none|//[^/]+(/.*)?)$`)
)

// EndpointID represents an Endpoint ID of either the "dtn" or the "ipn" scheme.
//
// An ipn endpoint, as defined in RFC 6260, is identified by its Node and Service
// number. A dtn endpoint is identified by its scheme-specific part Ssp, e.g.,
// "//node/app" or "none". EndpointIDs are comparable and can be used as map keys.
type EndpointID struct {
	Scheme  string
	Node    uint64
	Service uint64
	Ssp     string
}

// NewEndpointID parses an URI of the dtn or ipn scheme.
func NewEndpointID(uri string) (e EndpointID, err error) {
	switch {
	case strings.HasPrefix(uri, ipnEndpointSchemeName+":"):
		matches := ipnEndpointRegexp.FindStringSubmatch(uri)
		if len(matches) != 3 {
			err = fmt.Errorf("uri %q does not match an ipn endpoint", uri)
			return
		}

		e.Scheme = ipnEndpointSchemeName
		if e.Node, err = strconv.ParseUint(matches[1], 10, 64); err != nil {
			return
		}
		if e.Service, err = strconv.ParseUint(matches[2], 10, 64); err != nil {
			return
		}

	case strings.HasPrefix(uri, dtnEndpointSchemeName+":"):
		matches := dtnEndpointRegexp.FindStringSubmatch(uri)
		if matches == nil {
			err = fmt.Errorf("uri %q does not match a dtn endpoint", uri)
			return
		}

		e.Scheme = dtnEndpointSchemeName
		e.Ssp = matches[1]

	default:
		err = fmt.Errorf("uri %q has an unknown scheme", uri)
		return
	}

	err = e.CheckValid()
	return
}

// MustNewEndpointID returns a new EndpointID like NewEndpointID, but panics
// in case of an error.
func MustNewEndpointID(uri string) EndpointID {
	e, err := NewEndpointID(uri)
	if err != nil {
		panic(err)
	}
	return e
}

// DtnNone returns the null endpoint "dtn:none".
func DtnNone() EndpointID {
	return EndpointID{Scheme: dtnEndpointSchemeName, Ssp: dtnEndpointNoneSsp}
}

// IpnNode returns the administrative endpoint "ipn:N.0" of a node number.
func IpnNode(node uint64) EndpointID {
	return EndpointID{Scheme: ipnEndpointSchemeName, Node: node}
}

// CheckValid returns an error for incorrect data.
func (e EndpointID) CheckValid() error {
	switch e.Scheme {
	case ipnEndpointSchemeName:
		if e.Node < 1 {
			return fmt.Errorf("ipn's node number must be >= 1")
		}
		return nil

	case dtnEndpointSchemeName:
		if e.Ssp != dtnEndpointNoneSsp && !strings.HasPrefix(e.Ssp, "//") {
			return fmt.Errorf("dtn's scheme-specific part must be none or start with //")
		}
		return nil

	default:
		return fmt.Errorf("unknown endpoint scheme %q", e.Scheme)
	}
}

// IsZero checks if this EndpointID was never set.
func (e EndpointID) IsZero() bool {
	return e == EndpointID{}
}

// NodeNumber returns the compact numeric node identity. Only ipn endpoints have one.
func (e EndpointID) NodeNumber() (uint64, bool) {
	if e.Scheme != ipnEndpointSchemeName {
		return 0, false
	}
	return e.Node, true
}

// Authority is the authority part of the Endpoint URI, e.g., "23" for "ipn:23.42"
// or "node" for "dtn://node/app".
func (e EndpointID) Authority() string {
	switch e.Scheme {
	case ipnEndpointSchemeName:
		return strconv.FormatUint(e.Node, 10)

	case dtnEndpointSchemeName:
		if e.Ssp == dtnEndpointNoneSsp {
			return dtnEndpointNoneSsp
		}
		return strings.SplitN(strings.TrimPrefix(e.Ssp, "//"), "/", 2)[0]

	default:
		return ""
	}
}

// SameNode checks if two EndpointIDs belong to the same node.
func (e EndpointID) SameNode(other EndpointID) bool {
	return e.Scheme == other.Scheme && e.Authority() == other.Authority()
}

func (e EndpointID) String() string {
	switch e.Scheme {
	case ipnEndpointSchemeName:
		return fmt.Sprintf("%s:%d.%d", ipnEndpointSchemeName, e.Node, e.Service)

	case dtnEndpointSchemeName:
		return fmt.Sprintf("%s:%s", dtnEndpointSchemeName, e.Ssp)

	default:
		return "unknown"
	}
}

// MarshalText makes EndpointIDs usable as TOML or JSON strings. An unset
// EndpointID results in an empty text.
func (e EndpointID) MarshalText() ([]byte, error) {
	if e.IsZero() {
		return []byte{}, nil
	}
	return []byte(e.String()), nil
}

// UnmarshalText parses an EndpointID from its URI representation.
func (e *EndpointID) UnmarshalText(text []byte) (err error) {
	if len(text) == 0 {
		*e = EndpointID{}
		return
	}
	*e, err = NewEndpointID(string(text))
	return
}

// MarshalCbor writes this EndpointID's CBOR representation, [scheme no, ssp].
func (e EndpointID) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	switch e.Scheme {
	case ipnEndpointSchemeName:
		if err := cboring.WriteUInt(ipnEndpointSchemeNo, w); err != nil {
			return err
		}
		if err := cboring.WriteArrayLength(2, w); err != nil {
			return err
		}
		for _, n := range []uint64{e.Node, e.Service} {
			if err := cboring.WriteUInt(n, w); err != nil {
				return err
			}
		}
		return nil

	case dtnEndpointSchemeName:
		if err := cboring.WriteUInt(dtnEndpointSchemeNo, w); err != nil {
			return err
		}
		if e.Ssp == dtnEndpointNoneSsp {
			return cboring.WriteUInt(0, w)
		}
		return cboring.WriteTextString(e.Ssp, w)

	default:
		return fmt.Errorf("unknown endpoint scheme %q", e.Scheme)
	}
}

// UnmarshalCbor reads a CBOR representation of an EndpointID.
func (e *EndpointID) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("expected array with length 2, got %d", n)
	}

	schemeNo, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}

	switch schemeNo {
	case ipnEndpointSchemeNo:
		if n, err := cboring.ReadArrayLength(r); err != nil {
			return err
		} else if n != 2 {
			return fmt.Errorf("ipn uri expected array of 2 elements, not %d", n)
		}

		e.Scheme = ipnEndpointSchemeName
		for _, n := range []*uint64{&e.Node, &e.Service} {
			if i, err := cboring.ReadUInt(r); err != nil {
				return err
			} else {
				*n = i
			}
		}

	case dtnEndpointSchemeNo:
		e.Scheme = dtnEndpointSchemeName

		m, n, err := cboring.ReadMajors(r)
		if err != nil {
			return err
		}

		switch m {
		case cboring.UInt:
			e.Ssp = dtnEndpointNoneSsp

		case cboring.TextString:
			if tmp, err := cboring.ReadRawBytes(n, r); err != nil {
				return err
			} else {
				e.Ssp = string(tmp)
			}

		default:
			return fmt.Errorf("dtn endpoint: wrong major type 0x%X for unmarshalling", m)
		}

	default:
		return fmt.Errorf("unknown endpoint scheme number %d", schemeNo)
	}

	return e.CheckValid()
}
