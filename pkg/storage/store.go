// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dgraph-io/badger"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"

	"github.com/hashicorp/go-multierror"
)

const (
	dirBadger string = "db"
	dirObject string = "obj"

	// maxConflictRetries bounds how often a conflicting read-write transaction is rerun.
	maxConflictRetries = 16
)

var (
	// ErrNotFound is returned if a requested record does not exist.
	ErrNotFound = badgerhold.ErrNotFound

	// ErrNotQueued is returned if a bundle is expected in a queue, but is not.
	ErrNotQueued = errors.New("bundle is not queued")

	// ErrStoreInUse is returned if another process holds the Store's directory lock.
	ErrStoreInUse = errors.New("node store already in use")
)

// badgerLockMsg is part of badger's error for a directory locked by another process.
const badgerLockMsg = "Another process is using this Badger database"

// Store is the transactional persistent store shared by every component of a
// node. All reads and modifications of records happen within a Txn.
type Store struct {
	bh     *badgerhold.Store
	seq    *badger.Sequence
	objSeq *badger.Sequence

	badgerDir string
	objectDir string
}

// NewStore creates a new Store or opens an existing Store from the given path.
// Badger locks its directory, only one process can open a Store at a time.
// Opening a Store locked by another user fails with ErrStoreInUse.
func NewStore(dir string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)
	objectDir := path.Join(dir, dirObject)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	for _, d := range []string{badgerDir, objectDir} {
		if dirErr := os.MkdirAll(d, 0700); dirErr != nil {
			err = dirErr
			return
		}
	}

	bh, bhErr := badgerhold.Open(opts)
	if bhErr != nil && strings.Contains(bhErr.Error(), badgerLockMsg) {
		err = fmt.Errorf("%w: %s", ErrStoreInUse, dir)
		return
	} else if bhErr != nil {
		err = fmt.Errorf("opening badger at %s failed: %w", badgerDir, bhErr)
		return
	}

	seq, seqErr := bh.Badger().GetSequence([]byte("clm-bundle-handle"), 128)
	if seqErr != nil {
		_ = bh.Close()
		err = seqErr
		return
	}

	objSeq, seqErr := bh.Badger().GetSequence([]byte("clm-object-name"), 128)
	if seqErr != nil {
		_ = seq.Release()
		_ = bh.Close()
		err = seqErr
		return
	}

	s = &Store{
		bh:     bh,
		seq:    seq,
		objSeq: objSeq,

		badgerDir: badgerDir,
		objectDir: objectDir,
	}
	return
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() (errs error) {
	for _, seq := range []*badger.Sequence{s.seq, s.objSeq} {
		if err := seq.Release(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := s.bh.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return
}

// nextHandle allocates a new, never used bundle handle. Handles start at 1.
func (s *Store) nextHandle() (uint64, error) {
	n, err := s.seq.Next()
	return n + 1, err
}

// Update executes fn within one atomic read-write transaction. If fn returns
// an error, the transaction is discarded. A transaction failing due to a
// conflict with a concurrent transaction is rerun, so fn must not have side
// effects outside the Txn; those belong into Txn.OnCommit.
func (s *Store) Update(fn func(tx *Txn) error) error {
	for attempt := 1; ; attempt++ {
		tx := s.newTxn(true)

		err := fn(tx)
		if err == nil {
			err = tx.btx.Commit()
		}
		tx.btx.Discard()

		switch {
		case err == nil:
			tx.committed()
			return nil

		case errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries:
			log.WithFields(log.Fields{
				"attempt": attempt,
			}).Debug("Transaction conflicted, retrying")
			time.Sleep(time.Duration(attempt) * time.Millisecond)

		default:
			return err
		}
	}
}

// View executes fn within a read-only transaction.
func (s *Store) View(fn func(tx *Txn) error) error {
	tx := s.newTxn(false)
	defer tx.btx.Discard()

	return fn(tx)
}

// DeleteExpired removes all bundles whose lifetime is exceeded, each within its
// own transaction. The number of deleted bundles is returned.
func (s *Store) DeleteExpired(now time.Time) (n int) {
	var ids []uint64
	if err := s.View(func(tx *Txn) error {
		var recs []BundleRecord
		if err := tx.Find(&recs, badgerhold.Where("Expires").Lt(now).Index("Expires")); err != nil {
			return err
		}
		for _, rec := range recs {
			ids = append(ids, rec.Id)
		}
		return nil
	}); err != nil {
		log.WithError(err).Warn("Failed to get expired bundles")
		return
	}

	for _, id := range ids {
		logger := log.WithField("bundle", id)

		deleted := false
		err := s.Update(func(tx *Txn) error {
			deleted = false

			rec, err := tx.Bundle(id)
			if err != nil {
				return err
			}
			if !rec.Expires.Before(now) {
				return nil
			}

			deleted = true
			return tx.DestroyBundle(id)
		})

		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			logger.WithError(err).Warn("Failed to delete expired bundle")
		case deleted:
			logger.Info("Deleted expired bundle")
			n++
		}
	}
	return
}
