// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// BundleControlFlags are the processing flags of a Bundle, using the bit
// positions of RFC 9171.
type BundleControlFlags uint64

const (
	// IsFragment marks a fragment, which carries a fragment offset and the
	// original bundle's total data length.
	IsFragment BundleControlFlags = 0x000001

	// MustNotFragmented forbids splitting this bundle at a contact's capacity.
	MustNotFragmented BundleControlFlags = 0x000004

	// CustodyRequested asks each forwarding node to take custody of this bundle.
	CustodyRequested BundleControlFlags = 0x000008

	// StatusRequestForward requests a bundle forwarding status report.
	StatusRequestForward BundleControlFlags = 0x010000

	// StatusRequestDeletion requests a bundle deletion status report.
	StatusRequestDeletion BundleControlFlags = 0x040000
)

var controlFlagNames = []struct {
	flag BundleControlFlags
	name string
}{
	{IsFragment, "fragment"},
	{MustNotFragmented, "must-not-fragment"},
	{CustodyRequested, "custody"},
	{StatusRequestForward, "report-forward"},
	{StatusRequestDeletion, "report-deletion"},
}

// Has checks if any of the given flags is set.
func (bcf BundleControlFlags) Has(flag BundleControlFlags) bool {
	return bcf&flag != 0
}

// CheckValid rejects unknown flags and fragments which must not be fragmented.
func (bcf BundleControlFlags) CheckValid() (errs error) {
	known := BundleControlFlags(0)
	for _, cfn := range controlFlagNames {
		known |= cfn.flag
	}
	if unknown := bcf &^ known; unknown != 0 {
		errs = multierror.Append(errs, fmt.Errorf("unknown control flags 0x%x", uint64(unknown)))
	}

	if bcf.Has(IsFragment) && bcf.Has(MustNotFragmented) {
		errs = multierror.Append(errs, fmt.Errorf("a fragment must not be flagged as must-not-fragment"))
	}
	return
}

func (bcf BundleControlFlags) String() string {
	var names []string
	for _, cfn := range controlFlagNames {
		if bcf.Has(cfn.flag) {
			names = append(names, cfn.name)
		}
	}
	return strings.Join(names, ",")
}
