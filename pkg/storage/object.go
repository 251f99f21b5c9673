// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
)

// objectRecord counts the bundles referencing a payload object.
type objectRecord struct {
	Name   string `badgerhold:"key"`
	Length uint64
	Refs   uint64
}

// WriteObject stores a payload object on disk and returns its name. Each call
// creates a new object, even for known content, so releasing another object's
// last reference never deletes it. It must be retained by a bundle within a
// Txn afterwards, otherwise it is never deleted.
func (s *Store) WriteObject(data []byte) (name string, err error) {
	n, seqErr := s.objSeq.Next()
	if seqErr != nil {
		err = seqErr
		return
	}
	sum := sha256.Sum256(data)
	name = fmt.Sprintf("%x-%d", sum[:8], n)

	f, fErr := os.OpenFile(s.objectPath(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if fErr != nil {
		err = fErr
		return
	}

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return
	}
	err = f.Close()
	return
}

// ReadPayload loads the byte range of a payload object referenced by a bundle.
func (s *Store) ReadPayload(ref bpv7.PayloadRef) ([]byte, error) {
	f, err := os.Open(s.objectPath(ref.Object))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := make([]byte, ref.Length)
	if _, err := f.ReadAt(data, int64(ref.Offset)); err != nil && !(err == io.EOF && ref.Length == 0) {
		return nil, fmt.Errorf("reading %d bytes at %d of object %s failed: %w", ref.Length, ref.Offset, ref.Object, err)
	}
	return data, nil
}

func (s *Store) objectPath(name string) string {
	return path.Join(s.objectDir, name)
}

// RetainObject takes a reference on a payload object.
func (tx *Txn) RetainObject(name string) error {
	if name == "" {
		return nil
	}

	var obj objectRecord
	delete(tx.orphans, name)

	switch err := tx.Get(name, &obj); err {
	case nil:
	case ErrNotFound:
		obj = objectRecord{Name: name}
		if fi, statErr := os.Stat(tx.store.objectPath(name)); statErr != nil {
			return statErr
		} else {
			obj.Length = uint64(fi.Size())
		}
	default:
		return err
	}

	obj.Refs++
	return tx.Upsert(name, obj)
}

// ReleaseObject drops a reference on a payload object. The last release
// deletes the object's file after the Txn was committed, unless the object was
// retained again within the same Txn.
func (tx *Txn) ReleaseObject(name string) error {
	if name == "" {
		return nil
	}

	var obj objectRecord
	if err := tx.Get(name, &obj); err != nil {
		return err
	}

	if obj.Refs > 1 {
		obj.Refs--
		return tx.Upsert(name, obj)
	}

	if err := tx.Delete(name, objectRecord{}); err != nil {
		return err
	}

	if tx.orphans == nil {
		tx.orphans = make(map[string]struct{})
	}
	tx.orphans[name] = struct{}{}

	file := tx.store.objectPath(name)
	tx.OnCommit(func() {
		if _, ok := tx.orphans[name]; !ok {
			return
		}
		delete(tx.orphans, name)

		if err := os.Remove(file); err != nil {
			log.WithFields(log.Fields{
				"object": name,
				"error":  err,
			}).Warn("Failed to delete payload object")
		}
	})
	return nil
}

// ObjectRefs returns the number of bundles referencing a payload object.
func (tx *Txn) ObjectRefs(name string) (uint64, error) {
	var obj objectRecord
	switch err := tx.Get(name, &obj); err {
	case nil:
		return obj.Refs, nil
	case ErrNotFound:
		return 0, nil
	default:
		return 0, err
	}
}
