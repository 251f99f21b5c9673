// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"github.com/dtn7/dtn7-clm/pkg/bpv7"
)

// InsertBundle adds a bundle to the arena, appends it to the given queue and
// takes a reference on its payload object. The new handle is returned.
func (tx *Txn) InsertBundle(b bpv7.Bundle, queue string, custody bool) (id uint64, err error) {
	if id, err = tx.store.nextHandle(); err != nil {
		return
	}

	if err = tx.RetainObject(b.Payload.Object); err != nil {
		return
	}

	rec := BundleRecord{
		Id:      id,
		Bundle:  b,
		Expires: b.ExpirationTime(),
		Custody: custody,
	}
	if queue != "" {
		if err = tx.attach(&rec, queue, false); err != nil {
			return
		}
	}

	err = tx.Insert(id, rec)
	return
}

// Bundle fetches a BundleRecord by its handle.
func (tx *Txn) Bundle(id uint64) (rec BundleRecord, err error) {
	err = tx.Get(id, &rec)
	return
}

// Bundles fetches the BundleRecords of a queue, in order.
func (tx *Txn) Bundles(queue string) ([]BundleRecord, error) {
	ids, err := tx.Queue(queue)
	if err != nil {
		return nil, err
	}

	recs := make([]BundleRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := tx.Bundle(id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// UpdateBundle replaces a BundleRecord. Queue membership must only be changed
// through Enqueue, PushFront or Dequeue.
func (tx *Txn) UpdateBundle(rec BundleRecord) error {
	return tx.store.bh.TxUpdate(tx.btx, rec.Id, rec)
}

// DestroyBundle removes a bundle from its queue and the arena and releases its
// payload object.
func (tx *Txn) DestroyBundle(id uint64) error {
	rec, err := tx.Bundle(id)
	if err != nil {
		return err
	}

	if err := tx.detach(&rec); err != nil {
		return err
	}
	if err := tx.Delete(id, BundleRecord{}); err != nil {
		return err
	}
	return tx.ReleaseObject(rec.Bundle.Payload.Object)
}
