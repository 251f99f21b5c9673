// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import "fmt"

// Priority is a Bundle's class of service. Each class is queued separately.
type Priority uint64

const (
	// Bulk traffic is sent when nothing else is pending.
	Bulk Priority = iota

	// Standard traffic is the default class of service.
	Standard

	// Urgent traffic always precedes the other classes.
	Urgent
)

// Priorities lists all classes of service, ordered from Bulk to Urgent.
var Priorities = []Priority{Bulk, Standard, Urgent}

// ParsePriority from its name.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "bulk":
		return Bulk, nil
	case "standard", "":
		return Standard, nil
	case "urgent", "expedited":
		return Urgent, nil
	default:
		return Standard, fmt.Errorf("unknown priority %q", s)
	}
}

// CheckValid returns an error for an unknown class of service.
func (p Priority) CheckValid() error {
	if p > Urgent {
		return fmt.Errorf("unknown priority %d", p)
	}
	return nil
}

func (p Priority) String() string {
	switch p {
	case Bulk:
		return "bulk"
	case Standard:
		return "standard"
	case Urgent:
		return "urgent"
	default:
		return "unknown"
	}
}
