// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"fmt"
	"time"

	"github.com/timshannon/badgerhold"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
)

// BundleRecord is an entry of the bundle arena, addressed by its handle Id.
// QueueKey names the single queue this bundle is currently a member of; an
// empty QueueKey means the bundle is detached.
type BundleRecord struct {
	Id     uint64 `badgerhold:"key"`
	Bundle bpv7.Bundle

	QueueKey string    `badgerholdIndex:"QueueKey"`
	Expires  time.Time `badgerholdIndex:"Expires"`

	// Custody is set while this node holds a custody commitment for the bundle.
	Custody bool

	// Reason of the last reforwarding, e.g., "embargo".
	Reason string

	// Excluded neighbors' node numbers, which must not be chosen by routing.
	Excluded []uint64
}

// FlowRecord is the weighted scheduling state of one priority queue.
type FlowRecord struct {
	TotalBytesSent uint64
	ScalingFactor  uint64
}

// PlanRecord is the persistent state of an egress plan towards one neighbor.
type PlanRecord struct {
	Name     string `badgerhold:"key"`
	Neighbor bpv7.EndpointID

	// NodeNbr is the neighbor's compact node number, zero if unknown.
	NodeNbr uint64 `badgerholdIndex:"NodeNbr"`

	Outduct string

	// NominalRate in bytes per second. Zero disables rate limiting.
	NominalRate uint64
	Capacity    int64

	// Flows are indexed by bpv7.Priority.
	Flows [3]FlowRecord

	// Pid of the process running this plan's dispatcher, zero if none.
	Pid     int
	Stopped bool
}

// NewPlanRecord creates a PlanRecord with a full throttle and scaling factors
// of 1 << priority.
func NewPlanRecord(name string, neighbor bpv7.EndpointID, outduct string, nominalRate uint64) PlanRecord {
	pr := PlanRecord{
		Name:        name,
		Neighbor:    neighbor,
		Outduct:     outduct,
		NominalRate: nominalRate,
		Capacity:    int64(nominalRate),
	}
	pr.NodeNbr, _ = neighbor.NodeNumber()

	for _, p := range bpv7.Priorities {
		pr.Flows[p].ScalingFactor = 1 << uint(p)
	}
	return pr
}

// OutductRecord is the persistent state of a convergence-layer binding. Its
// transmit buffer is the queue XmitQueue(Name).
type OutductRecord struct {
	Name     string `badgerhold:"key"`
	Protocol string
	Endpoint string

	Blocked bool

	// MaxPayloadLength of a single bundle, zero means unlimited.
	MaxPayloadLength uint64

	FecData   int
	FecParity int
}

// EmbargoRecord marks that a neighbor refused custody of bundles towards a
// destination node.
type EmbargoRecord struct {
	Id          string `badgerhold:"key"`
	Neighbor    uint64 `badgerholdIndex:"Neighbor"`
	Destination uint64 `badgerholdIndex:"Destination"`
	Since       time.Time
}

// EmbargoKey is the EmbargoRecord's key for a (neighbor, destination) pair.
func EmbargoKey(neighbor, destination uint64) string {
	return fmt.Sprintf("%d-%d", neighbor, destination)
}

// ContactRecord is a scheduled transmission opportunity from one node to
// another with a rate in bytes per second.
type ContactRecord struct {
	Id    uint64 `badgerhold:"key"`
	From  uint64 `badgerholdIndex:"From"`
	To    uint64
	Start time.Time
	End   time.Time
	Rate  uint64
}

func (cr ContactRecord) String() string {
	return fmt.Sprintf("%d->%d [%v, %v] @ %d B/s",
		cr.From, cr.To, cr.Start.Format(time.RFC3339), cr.End.Format(time.RFC3339), cr.Rate)
}

// Plan fetches a PlanRecord.
func (tx *Txn) Plan(name string) (pr PlanRecord, err error) {
	err = tx.Get(name, &pr)
	return
}

// Plans lists all PlanRecords.
func (tx *Txn) Plans() (prs []PlanRecord, err error) {
	err = tx.Find(&prs, nil)
	return
}

// PlanByNode fetches the PlanRecord towards the given node number.
func (tx *Txn) PlanByNode(node uint64) (pr PlanRecord, err error) {
	var prs []PlanRecord
	if err = tx.Find(&prs, badgerhold.Where("NodeNbr").Eq(node).Index("NodeNbr")); err != nil {
		return
	} else if len(prs) == 0 {
		err = ErrNotFound
		return
	}
	pr = prs[0]
	return
}

// PutPlan inserts or replaces a PlanRecord.
func (tx *Txn) PutPlan(pr PlanRecord) error {
	return tx.Upsert(pr.Name, pr)
}

// Outduct fetches an OutductRecord.
func (tx *Txn) Outduct(name string) (od OutductRecord, err error) {
	err = tx.Get(name, &od)
	return
}

// Outducts lists all OutductRecords.
func (tx *Txn) Outducts() (ods []OutductRecord, err error) {
	err = tx.Find(&ods, nil)
	return
}

// PutOutduct inserts or replaces an OutductRecord.
func (tx *Txn) PutOutduct(od OutductRecord) error {
	return tx.Upsert(od.Name, od)
}

// Embargoed checks if neighbor refused custody for bundles towards destination.
func (tx *Txn) Embargoed(neighbor, destination uint64) (bool, error) {
	var er EmbargoRecord
	switch err := tx.Get(EmbargoKey(neighbor, destination), &er); err {
	case nil:
		return true, nil
	case ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

// Embargoes lists all EmbargoRecords.
func (tx *Txn) Embargoes() (ers []EmbargoRecord, err error) {
	err = tx.Find(&ers, nil)
	return
}

// PutEmbargo records an embargo of a neighbor for a destination.
func (tx *Txn) PutEmbargo(neighbor, destination uint64, since time.Time) error {
	key := EmbargoKey(neighbor, destination)
	return tx.Upsert(key, EmbargoRecord{
		Id:          key,
		Neighbor:    neighbor,
		Destination: destination,
		Since:       since,
	})
}

// LiftEmbargo removes an embargo, if present.
func (tx *Txn) LiftEmbargo(neighbor, destination uint64) error {
	err := tx.Delete(EmbargoKey(neighbor, destination), EmbargoRecord{})
	if err == ErrNotFound {
		return nil
	}
	return err
}

// Contacts lists all ContactRecords.
func (tx *Txn) Contacts() (crs []ContactRecord, err error) {
	err = tx.Find(&crs, nil)
	return
}

// ContactsFrom lists all ContactRecords starting at the given node.
func (tx *Txn) ContactsFrom(node uint64) (crs []ContactRecord, err error) {
	err = tx.Find(&crs, badgerhold.Where("From").Eq(node).Index("From"))
	return
}

// ReplaceContacts deletes all ContactRecords and stores the given ones instead.
func (tx *Txn) ReplaceContacts(crs []ContactRecord) error {
	old, err := tx.Contacts()
	if err != nil {
		return err
	}
	for _, cr := range old {
		if err := tx.Delete(cr.Id, ContactRecord{}); err != nil {
			return err
		}
	}

	for i, cr := range crs {
		cr.Id = uint64(i) + 1
		if err := tx.Insert(cr.Id, cr); err != nil {
			return err
		}
	}
	return nil
}
