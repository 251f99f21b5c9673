// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"sync"
	"time"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
)

// idKeeperRetention of sequence numbers.
const idKeeperRetention = 24 * time.Hour

// idTuple looks up the sequence numbers of one source node at one time.
type idTuple struct {
	source bpv7.EndpointID
	time   bpv7.DtnTime
}

// idKeeper assigns the creation timestamp's sequence numbers of bundles
// created by this node. Bundles of the same source created within the same
// millisecond get distinct BundleIDs.
type idKeeper struct {
	mutex sync.Mutex
	data  map[idTuple]uint64
}

func newIdKeeper() *idKeeper {
	return &idKeeper{data: make(map[idTuple]uint64)}
}

// update sets the bundle's sequence number.
func (idk *idKeeper) update(b *bpv7.Bundle) {
	tpl := idTuple{
		source: b.SourceNode,
		time:   b.CreationTimestamp.DtnTime(),
	}

	idk.mutex.Lock()
	defer idk.mutex.Unlock()

	seq, ok := idk.data[tpl]
	if ok {
		seq++
	}
	idk.data[tpl] = seq
	b.CreationTimestamp = bpv7.NewCreationTimestamp(tpl.time, seq)

	idk.clean()
}

// clean removes states older than a day, except for the epoch's.
func (idk *idKeeper) clean() {
	threshold := bpv7.DtnTimeNow().Add(-idKeeperRetention)
	for tpl := range idk.data {
		if tpl.time < threshold && tpl.time != bpv7.DtnTimeEpoch {
			delete(idk.data, tpl)
		}
	}
}
