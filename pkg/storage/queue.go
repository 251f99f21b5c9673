// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"fmt"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
)

const (
	// QueueForward holds bundles awaiting a routing decision.
	QueueForward = "forward"

	// QueueLimbo holds bundles without a currently usable outduct.
	QueueLimbo = "limbo"

	planQueuePrefix     = "plan/"
	xmitQueuePrefix     = "xmit/"
	inflightQueuePrefix = "inflight/"
)

// PlanQueue names the issuance queue of an egress plan for a priority class.
func PlanQueue(plan string, p bpv7.Priority) string {
	return fmt.Sprintf("%s%s/%v", planQueuePrefix, plan, p)
}

// XmitQueue names the transmit buffer of an outduct.
func XmitQueue(outduct string) string {
	return xmitQueuePrefix + outduct
}

// InflightQueue names the queue of bundles an outduct's adapter has taken
// from its transmit buffer but not yet finished sending.
func InflightQueue(outduct string) string {
	return inflightQueuePrefix + outduct
}

// queueRecord keeps the order of a queue's bundle handles.
type queueRecord struct {
	Name    string `badgerhold:"key"`
	Handles []uint64
}

func (tx *Txn) queue(name string) (qr queueRecord, err error) {
	err = tx.Get(name, &qr)
	if err == ErrNotFound {
		qr, err = queueRecord{Name: name}, nil
	}
	return
}

func (tx *Txn) putQueue(qr queueRecord) error {
	if len(qr.Handles) == 0 {
		if err := tx.Delete(qr.Name, queueRecord{}); err != nil && err != ErrNotFound {
			return err
		}
		return nil
	}
	return tx.Upsert(qr.Name, qr)
}

// Queue lists the handles of a queue's bundles, in order.
func (tx *Txn) Queue(name string) ([]uint64, error) {
	qr, err := tx.queue(name)
	return qr.Handles, err
}

// QueueLength is the number of bundles within a queue.
func (tx *Txn) QueueLength(name string) (int, error) {
	qr, err := tx.queue(name)
	return len(qr.Handles), err
}

// Head returns the first bundle of a queue. If the queue is empty, ok is false.
func (tx *Txn) Head(name string) (rec BundleRecord, ok bool, err error) {
	qr, qrErr := tx.queue(name)
	if qrErr != nil || len(qr.Handles) == 0 {
		err = qrErr
		return
	}

	rec, err = tx.Bundle(qr.Handles[0])
	ok = err == nil
	return
}

// detach removes a bundle from its current queue, if any.
func (tx *Txn) detach(rec *BundleRecord) error {
	if rec.QueueKey == "" {
		return nil
	}

	qr, err := tx.queue(rec.QueueKey)
	if err != nil {
		return err
	}

	found := false
	for i, h := range qr.Handles {
		if h == rec.Id {
			qr.Handles = append(qr.Handles[:i], qr.Handles[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("bundle %d is not listed in its queue %s", rec.Id, rec.QueueKey)
	}

	rec.QueueKey = ""
	return tx.putQueue(qr)
}

func (tx *Txn) attach(rec *BundleRecord, name string, front bool) error {
	qr, err := tx.queue(name)
	if err != nil {
		return err
	}

	if front {
		qr.Handles = append([]uint64{rec.Id}, qr.Handles...)
	} else {
		qr.Handles = append(qr.Handles, rec.Id)
	}

	rec.QueueKey = name
	return tx.putQueue(qr)
}

func (tx *Txn) move(id uint64, name string, front bool) error {
	rec, err := tx.Bundle(id)
	if err != nil {
		return err
	}

	if err := tx.detach(&rec); err != nil {
		return err
	}
	if name != "" {
		if err := tx.attach(&rec, name, front); err != nil {
			return err
		}
	}
	return tx.UpdateBundle(rec)
}

// Enqueue moves a bundle from its current queue to the back of another one.
func (tx *Txn) Enqueue(id uint64, name string) error {
	return tx.move(id, name, false)
}

// PushFront moves a bundle from its current queue to the front of another one.
func (tx *Txn) PushFront(id uint64, name string) error {
	return tx.move(id, name, true)
}

// Dequeue removes a bundle from its queue without destroying it.
func (tx *Txn) Dequeue(id uint64) error {
	return tx.move(id, "", false)
}
