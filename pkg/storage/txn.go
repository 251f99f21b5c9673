// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"github.com/dgraph-io/badger"
	"github.com/timshannon/badgerhold"
)

// Txn is a transaction against the Store. Every read-modify-write of records
// must happen within one Txn to be atomic.
type Txn struct {
	store *Store
	btx   *badger.Txn

	hooks []func()

	// orphans are payload objects without references, to be deleted on commit.
	orphans map[string]struct{}
}

func (s *Store) newTxn(update bool) *Txn {
	return &Txn{
		store: s,
		btx:   s.bh.Badger().NewTransaction(update),
	}
}

// OnCommit registers a function to be executed after this Txn was committed
// successfully. Hooks of discarded or retried transactions are dropped.
func (tx *Txn) OnCommit(f func()) {
	tx.hooks = append(tx.hooks, f)
}

func (tx *Txn) committed() {
	for _, f := range tx.hooks {
		f()
	}
	tx.hooks = nil
}

// Get a record by its key.
func (tx *Txn) Get(key, result interface{}) error {
	return tx.store.bh.TxGet(tx.btx, key, result)
}

// Insert a new record. An existing record with the same key results in an error.
func (tx *Txn) Insert(key, data interface{}) error {
	return tx.store.bh.TxInsert(tx.btx, key, data)
}

// Upsert inserts or replaces a record.
func (tx *Txn) Upsert(key, data interface{}) error {
	return tx.store.bh.TxUpsert(tx.btx, key, data)
}

// Delete a record of the given type.
func (tx *Txn) Delete(key, dataType interface{}) error {
	return tx.store.bh.TxDelete(tx.btx, key, dataType)
}

// Find all records matching the query. A nil query matches every record.
func (tx *Txn) Find(result interface{}, query *badgerhold.Query) error {
	return tx.store.bh.TxFind(tx.btx, result, query)
}
