// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
	"github.com/dtn7/dtn7-clm/pkg/cla"
	"github.com/dtn7/dtn7-clm/pkg/cla/mtcp"
	"github.com/dtn7/dtn7-clm/pkg/egress"
	"github.com/dtn7/dtn7-clm/pkg/storage"
	"github.com/dtn7/dtn7-clm/pkg/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func randomAddress(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Close() }()

	return l.Addr().String()
}

// testConfig of node ipn:1.0 with the plan "n2" towards ipn:2.0 through the
// MTCP outduct "od2".
func testConfig(t *testing.T, endpoint string) Config {
	conf, err := ParseConfig(fmt.Sprintf(`
[core]
store = %q
node-id = "ipn:1.0"

[scheduler]
poll-interval = "10ms"

[clock]
tick = "50ms"

[[outduct]]
name = "od2"
protocol = "mtcp"
endpoint = %q
fec-data = 4
fec-parity = 1

[[plan]]
name = "n2"
neighbor = "ipn:2.0"
outduct = "od2"
`, t.TempDir(), endpoint))
	if err != nil {
		t.Fatal(err)
	}
	return conf
}

func testBundle(t *testing.T, dest string, flags bpv7.BundleControlFlags) bpv7.Bundle {
	b, err := bpv7.Builder().
		Source("ipn:1.1").
		Destination(dest).
		BundleCtrlFlags(flags).
		CreationTimestampNow().
		Lifetime("10m").
		Priority(bpv7.Standard).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestNodeTransmit(t *testing.T) {
	addr := randomAddress(t)

	server := mtcp.NewMTCPServer(addr)
	if err, _ := server.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = server.Close() }()

	n, err := New(testConfig(t, addr))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error)
	go func() { errChan <- n.Run(ctx) }()

	payload := bytes.Repeat([]byte("egress"), 200)
	if _, err := n.Receive(testBundle(t, "ipn:2.7", 0), payload); err != nil {
		t.Fatal(err)
	}

	select {
	case rb := <-server.Channel():
		if rb.Kind != cla.ReceivedBundle {
			t.Fatalf("unexpected status %v", rb)
		}
		if !bytes.Equal(rb.Payload, payload) {
			t.Fatal("received payload differs")
		}
		if dest := rb.Bundle.Destination.String(); dest != "ipn:2.7" {
			t.Fatalf("unexpected destination %s", dest)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no bundle was received")
	}

	cancel()
	select {
	case err := <-errChan:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("node did not shut down")
	}
}

func TestNodeUnknownPlan(t *testing.T) {
	conf := testConfig(t, randomAddress(t))

	if _, err := New(conf, "n3"); !errors.Is(err, egress.ErrPlanUnknown) {
		t.Fatalf("expected ErrPlanUnknown, got %v", err)
	}

	// The store was closed again, so a following node can use it.
	n, err := New(conf, "n2")
	if err != nil {
		t.Fatal(err)
	}
	if err := n.close(); err != nil {
		t.Fatal(err)
	}
}

func TestNodeStoppedPlan(t *testing.T) {
	conf := testConfig(t, randomAddress(t))

	n, err := New(conf, "n2")
	if err != nil {
		t.Fatal(err)
	}
	if err := n.store.Update(func(tx *storage.Txn) error {
		pr, err := tx.Plan("n2")
		if err != nil {
			return err
		}
		pr.Stopped = true
		return tx.PutPlan(pr)
	}); err != nil {
		t.Fatal(err)
	}

	// A node of named plans ends with its dispatchers.
	errChan := make(chan error)
	go func() { errChan <- n.Run(context.Background()) }()

	select {
	case err := <-errChan:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("node did not end with its stopped plan")
	}
}

func TestNodeReceiveCustody(t *testing.T) {
	n, err := New(testConfig(t, randomAddress(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := n.close(); err != nil {
			t.Fatal(err)
		}
	}()

	id, err := n.Receive(testBundle(t, "ipn:2.1", bpv7.CustodyRequested), []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	var (
		rec      storage.BundleRecord
		counters []telemetry.Counter
	)
	if err := n.store.View(func(tx *storage.Txn) (err error) {
		if rec, err = tx.Bundle(id); err != nil {
			return
		}
		counters, err = telemetry.Counters(tx)
		return
	}); err != nil {
		t.Fatal(err)
	}

	if !rec.Custody || rec.QueueKey != storage.QueueForward {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Bundle.PayloadLength() != 5 || rec.Bundle.Payload.Object == "" {
		t.Fatalf("unexpected payload reference %v", rec.Bundle.Payload)
	}

	var accepted uint64
	for _, c := range counters {
		if c.Kind == telemetry.KindCustody && c.Label == telemetry.LabelAccepted {
			accepted = c.Bundles
		}
	}
	if accepted != 1 {
		t.Fatalf("expected one accepted custody, got %d", accepted)
	}

	// Expired bundles are refused.
	expired, err := bpv7.Builder().
		Source("ipn:1.1").
		Destination("ipn:2.1").
		CreationTimestampTime(time.Now().Add(-time.Hour)).
		Lifetime("1m").
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.Receive(expired, nil); err == nil {
		t.Fatal("expired bundle was accepted")
	}
}

func TestSyncRecords(t *testing.T) {
	conf := testConfig(t, randomAddress(t))
	conf.Plan[0].NominalRate = 1000
	conf.Embargo = []EmbargoConf{{Neighbor: 2, Destination: 9}}

	n, err := New(conf)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := n.close(); err != nil {
			t.Fatal(err)
		}
	}()

	// The throttle's state survives a new synchronization.
	if err := n.store.Update(func(tx *storage.Txn) error {
		pr, err := tx.Plan("n2")
		if err != nil {
			return err
		}
		pr.Capacity = -200
		pr.Flows[bpv7.Bulk].TotalBytesSent = 42
		return tx.PutPlan(pr)
	}); err != nil {
		t.Fatal(err)
	}

	conf.Plan[0].NominalRate = 500
	if err := syncRecords(n.store, conf, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := n.store.View(func(tx *storage.Txn) error {
		pr, err := tx.Plan("n2")
		if err != nil {
			return err
		}
		if pr.Capacity != -200 || pr.Flows[bpv7.Bulk].TotalBytesSent != 42 || pr.NominalRate != 500 || pr.NodeNbr != 2 {
			return fmt.Errorf("unexpected plan %+v", pr)
		}

		od, err := tx.Outduct("od2")
		if err != nil {
			return err
		}
		if od.FecData != 4 || od.FecParity != 1 {
			return fmt.Errorf("unexpected outduct %+v", od)
		}

		if embargoed, err := tx.Embargoed(2, 9); err != nil {
			return err
		} else if !embargoed {
			return fmt.Errorf("embargo is missing")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}
