// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"bytes"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
)

func openStore(t *testing.T) *Store {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
	})
	return s
}

func testBundle(t *testing.T, s *Store, prio bpv7.Priority, payload []byte, lifetime interface{}) bpv7.Bundle {
	obj, err := s.WriteObject(payload)
	if err != nil {
		t.Fatal(err)
	}

	b, err := bpv7.Builder().
		Source("ipn:1.1").
		Destination("ipn:3.1").
		CreationTimestampNow().
		Lifetime(lifetime).
		Priority(prio).
		Payload(bpv7.PayloadRef{Object: obj, Length: uint64(len(payload))}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func insert(t *testing.T, s *Store, b bpv7.Bundle, queue string) (id uint64) {
	if err := s.Update(func(tx *Txn) (err error) {
		id, err = tx.InsertBundle(b, queue, false)
		return
	}); err != nil {
		t.Fatal(err)
	}
	return
}

func queueOf(t *testing.T, s *Store, queue string) (ids []uint64) {
	if err := s.View(func(tx *Txn) (err error) {
		ids, err = tx.Queue(queue)
		return
	}); err != nil {
		t.Fatal(err)
	}
	return
}

func equalIds(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStoreQueueOrder(t *testing.T) {
	s := openStore(t)
	queue := PlanQueue("n2", bpv7.Standard)

	var ids []uint64
	for i := 0; i < 4; i++ {
		ids = append(ids, insert(t, s, testBundle(t, s, bpv7.Standard, []byte{byte(i)}, "1h"), queue))
	}

	if q := queueOf(t, s, queue); !equalIds(q, ids) {
		t.Fatalf("queue %v differs from %v", q, ids)
	}

	if err := s.Update(func(tx *Txn) error {
		return tx.PushFront(ids[2], queue)
	}); err != nil {
		t.Fatal(err)
	}

	expected := []uint64{ids[2], ids[0], ids[1], ids[3]}
	if q := queueOf(t, s, queue); !equalIds(q, expected) {
		t.Fatalf("queue %v differs from %v", q, expected)
	}

	if err := s.View(func(tx *Txn) error {
		rec, ok, err := tx.Head(queue)
		if err != nil {
			return err
		} else if !ok || rec.Id != ids[2] {
			t.Fatalf("head is %v, %t", rec.Id, ok)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestStoreQueueMembership(t *testing.T) {
	s := openStore(t)
	planQueue := PlanQueue("n2", bpv7.Urgent)
	xmitQueue := XmitQueue("tcp-n2")

	id := insert(t, s, testBundle(t, s, bpv7.Urgent, []byte("hello"), "1h"), planQueue)

	if err := s.Update(func(tx *Txn) error {
		return tx.Enqueue(id, xmitQueue)
	}); err != nil {
		t.Fatal(err)
	}

	if q := queueOf(t, s, planQueue); len(q) != 0 {
		t.Fatalf("plan queue still holds %v", q)
	}
	if q := queueOf(t, s, xmitQueue); !equalIds(q, []uint64{id}) {
		t.Fatalf("transmit buffer holds %v", q)
	}

	if err := s.View(func(tx *Txn) error {
		rec, err := tx.Bundle(id)
		if err != nil {
			return err
		}
		if rec.QueueKey != xmitQueue {
			t.Fatalf("bundle's queue is %q", rec.QueueKey)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestStoreTxnAbort(t *testing.T) {
	s := openStore(t)
	queue := PlanQueue("n2", bpv7.Bulk)
	id := insert(t, s, testBundle(t, s, bpv7.Bulk, []byte("hello"), "1h"), queue)

	hookRan := false
	abortErr := errors.New("abort")

	err := s.Update(func(tx *Txn) error {
		tx.OnCommit(func() { hookRan = true })
		if err := tx.Enqueue(id, QueueLimbo); err != nil {
			return err
		}
		return abortErr
	})
	if !errors.Is(err, abortErr) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if hookRan {
		t.Fatal("commit hook of an aborted transaction ran")
	}

	if q := queueOf(t, s, queue); !equalIds(q, []uint64{id}) {
		t.Fatalf("aborted move is visible, queue holds %v", q)
	}
	if q := queueOf(t, s, QueueLimbo); len(q) != 0 {
		t.Fatalf("aborted move is visible, limbo holds %v", q)
	}
}

func TestStoreObjectRefs(t *testing.T) {
	s := openStore(t)
	queue := PlanQueue("n2", bpv7.Standard)

	payload := []byte("0123456789")
	b := testBundle(t, s, bpv7.Standard, payload, "1h")
	parent := insert(t, s, b, queue)

	head, tail, err := b.Fragment(4)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Update(func(tx *Txn) error {
		if err := tx.DestroyBundle(parent); err != nil {
			return err
		}
		if _, err := tx.InsertBundle(head, queue, false); err != nil {
			return err
		}
		_, err := tx.InsertBundle(tail, queue, false)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	var recs []BundleRecord
	if err := s.View(func(tx *Txn) (err error) {
		if refs, err := tx.ObjectRefs(b.Payload.Object); err != nil {
			return err
		} else if refs != 2 {
			t.Fatalf("object has %d references", refs)
		}

		recs, err = tx.Bundles(queue)
		return
	}); err != nil {
		t.Fatal(err)
	}

	for i, expected := range [][]byte{payload[:4], payload[4:]} {
		data, err := s.ReadPayload(recs[i].Bundle.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(data, expected) {
			t.Fatalf("fragment %d payload %q != %q", i, data, expected)
		}
	}

	if err := s.Update(func(tx *Txn) error {
		for _, rec := range recs {
			if err := tx.DestroyBundle(rec.Id); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(s.objectPath(b.Payload.Object)); !os.IsNotExist(err) {
		t.Fatalf("payload object was not deleted: %v", err)
	}
}

func TestStoreDeleteExpired(t *testing.T) {
	s := openStore(t)
	queue := PlanQueue("n2", bpv7.Standard)

	short := insert(t, s, testBundle(t, s, bpv7.Standard, []byte("short"), "1ms"), queue)
	long := insert(t, s, testBundle(t, s, bpv7.Standard, []byte("long"), "1h"), queue)

	time.Sleep(10 * time.Millisecond)

	if n := s.DeleteExpired(time.Now()); n != 1 {
		t.Fatalf("deleted %d bundles", n)
	}

	if q := queueOf(t, s, queue); !equalIds(q, []uint64{long}) {
		t.Fatalf("queue holds %v", q)
	}

	if err := s.View(func(tx *Txn) error {
		if _, err := tx.Bundle(short); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expired bundle is still present: %v", err)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestStoreConflictRetry(t *testing.T) {
	s := openStore(t)

	const name = "n2"
	if err := s.Update(func(tx *Txn) error {
		return tx.PutPlan(NewPlanRecord(name, bpv7.IpnNode(2), "tcp-n2", 0))
	}); err != nil {
		t.Fatal(err)
	}

	const workers, increments = 2, 20

	var wg sync.WaitGroup
	errs := make(chan error, workers*increments)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				errs <- s.Update(func(tx *Txn) error {
					pr, err := tx.Plan(name)
					if err != nil {
						return err
					}
					pr.Capacity++
					return tx.PutPlan(pr)
				})
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	if err := s.View(func(tx *Txn) error {
		pr, err := tx.Plan(name)
		if err != nil {
			return err
		}
		if pr.Capacity != workers*increments {
			t.Fatalf("capacity is %d, expected %d", pr.Capacity, workers*increments)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestStoreRecords(t *testing.T) {
	s := openStore(t)

	if err := s.Update(func(tx *Txn) error {
		if err := tx.PutPlan(NewPlanRecord("n2", bpv7.IpnNode(2), "tcp-n2", 1000)); err != nil {
			return err
		}
		if err := tx.PutOutduct(OutductRecord{Name: "tcp-n2", MaxPayloadLength: 4000}); err != nil {
			return err
		}
		return tx.PutEmbargo(2, 5, time.Now())
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.View(func(tx *Txn) error {
		pr, err := tx.PlanByNode(2)
		if err != nil {
			return err
		}
		if pr.Name != "n2" || pr.Flows[bpv7.Standard].ScalingFactor != 2 || pr.Flows[bpv7.Urgent].ScalingFactor != 4 {
			t.Fatalf("unexpected plan %+v", pr)
		}

		if _, err := tx.PlanByNode(23); !errors.Is(err, ErrNotFound) {
			t.Fatalf("unknown node resulted in %v", err)
		}

		if od, err := tx.Outduct("tcp-n2"); err != nil {
			return err
		} else if od.MaxPayloadLength != 4000 {
			t.Fatalf("unexpected outduct %+v", od)
		}

		if ok, err := tx.Embargoed(2, 5); err != nil || !ok {
			t.Fatalf("embargo is missing: %t, %v", ok, err)
		}
		if ok, err := tx.Embargoed(5, 2); err != nil || ok {
			t.Fatalf("reverse embargo is present: %t, %v", ok, err)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestStoreObjectSameContent(t *testing.T) {
	s := openStore(t)
	queue := PlanQueue("n2", bpv7.Standard)
	payload := []byte("same content")

	first := testBundle(t, s, bpv7.Standard, payload, "1h")
	firstId := insert(t, s, first, queue)

	// Written before the first object's last reference is released.
	second := testBundle(t, s, bpv7.Standard, payload, "1h")
	if first.Payload.Object == second.Payload.Object {
		t.Fatalf("objects share name %s", first.Payload.Object)
	}

	if err := s.Update(func(tx *Txn) error {
		return tx.DestroyBundle(firstId)
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.objectPath(first.Payload.Object)); !os.IsNotExist(err) {
		t.Fatalf("first object was not deleted: %v", err)
	}

	secondId := insert(t, s, second, queue)
	if err := s.View(func(tx *Txn) error {
		rec, err := tx.Bundle(secondId)
		if err != nil {
			return err
		}
		data, err := s.ReadPayload(rec.Bundle.Payload)
		if err != nil {
			return err
		}
		if !bytes.Equal(data, payload) {
			t.Fatalf("payload %q != %q", data, payload)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestStoreInUse(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	if s2, err := NewStore(dir); !errors.Is(err, ErrStoreInUse) {
		if err == nil {
			_ = s2.Close()
		}
		t.Fatalf("opening a locked store returned %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = NewStore(dir)
	if err != nil {
		t.Fatalf("reopening a released store failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
