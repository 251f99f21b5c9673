// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// Kind of a Counter.
type Kind int

const (
	// KindClass counts dispatched bundles per class of service.
	KindClass Kind = iota

	// KindPlan counts bundles dequeued by a plan's dispatcher.
	KindPlan

	// KindReroute counts bundles handed back by a plan, labeled by the reason.
	KindReroute

	// KindFragmentation counts fragmented bundles and produced fragments.
	KindFragmentation

	// KindCustody counts accepted and released custody commitments.
	KindCustody

	// KindOutduct counts an outduct's transmissions, labeled "sent" or "failed".
	KindOutduct
)

func (k Kind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindPlan:
		return "plan"
	case KindReroute:
		return "reroute"
	case KindFragmentation:
		return "fragmentation"
	case KindCustody:
		return "custody"
	case KindOutduct:
		return "outduct"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText makes Kind readable within JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a Kind's name.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind := KindClass; kind <= KindOutduct; kind++ {
		if kind.String() == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown counter kind %q", text)
}

// Counter is a persistent tally of bundles and their payload bytes.
type Counter struct {
	Key   string `badgerhold:"key" json:"-"`
	Kind  Kind   `json:"kind"`
	Owner string `json:"owner,omitempty"`
	Label string `json:"label,omitempty"`

	Bundles uint64 `json:"bundles"`
	Bytes   uint64 `json:"bytes"`
}

func counterKey(kind Kind, owner, label string) string {
	return fmt.Sprintf("%v/%s/%s", kind, owner, label)
}

// add bundles and bytes to a Counter, creating it if necessary.
func add(tx *storage.Txn, kind Kind, owner, label string, bundles, bytes uint64) error {
	key := counterKey(kind, owner, label)

	var c Counter
	if err := tx.Get(key, &c); errors.Is(err, storage.ErrNotFound) {
		c = Counter{Key: key, Kind: kind, Owner: owner, Label: label}
	} else if err != nil {
		return fmt.Errorf("loading counter %s failed: %w", key, err)
	}

	c.Bundles += bundles
	c.Bytes += bytes

	if err := tx.Upsert(key, c); err != nil {
		return fmt.Errorf("storing counter %s failed: %w", key, err)
	}
	return nil
}

// Counters returns all Counters, ordered by kind, owner and label.
func Counters(tx *storage.Txn) ([]Counter, error) {
	var cs []Counter
	if err := tx.Find(&cs, nil); err != nil {
		return nil, err
	}

	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Kind != cs[j].Kind {
			return cs[i].Kind < cs[j].Kind
		}
		return cs[i].Key < cs[j].Key
	})
	return cs, nil
}

// Snapshot reads all Counters within a read-only transaction.
func Snapshot(store *storage.Store) (counters []Counter, err error) {
	err = store.View(func(tx *storage.Txn) (err error) {
		counters, err = Counters(tx)
		return
	})
	return
}
