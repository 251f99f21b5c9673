// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package egress

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
	"github.com/dtn7/dtn7-clm/pkg/contact"
	"github.com/dtn7/dtn7-clm/pkg/sema"
	"github.com/dtn7/dtn7-clm/pkg/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testPlan    = "n2"
	testOutduct = "od2"
)

type fakePredictor struct {
	sync.Mutex
	ceiling contact.Ceiling
}

func (fp *fakePredictor) set(c contact.Ceiling) {
	fp.Lock()
	defer fp.Unlock()
	fp.ceiling = c
}

func (fp *fakePredictor) Ceiling(_ *storage.Txn, _ uint64, _ time.Time) (contact.Ceiling, error) {
	fp.Lock()
	defer fp.Unlock()
	return fp.ceiling, nil
}

// fakeForwarder moves reforwarded bundles into the forward queue and records
// the reason of the last call per handle.
type fakeForwarder struct {
	sync.Mutex
	reasons map[uint64]string
	fail    bool
}

func (ff *fakeForwarder) Reforward(tx *storage.Txn, id uint64, reason string) error {
	ff.Lock()
	defer ff.Unlock()

	if ff.fail {
		return errors.New("forwarder is out of order")
	}
	ff.reasons[id] = reason
	return tx.Enqueue(id, storage.QueueForward)
}

func (ff *fakeForwarder) Hold(tx *storage.Txn, id uint64) error {
	return tx.Enqueue(id, storage.QueueLimbo)
}

func (ff *fakeForwarder) reason(id uint64) string {
	ff.Lock()
	defer ff.Unlock()
	return ff.reasons[id]
}

type fakeTelemetry struct {
	sync.Mutex
	dispatched map[bpv7.Priority]uint64
	rerouted   map[string]int
	fragments  uint64
	accepted   uint64
	released   uint64
	activity   []byte
}

func (ft *fakeTelemetry) Dispatched(_ *storage.Txn, _ string, p bpv7.Priority, length uint64) error {
	ft.Lock()
	defer ft.Unlock()
	ft.dispatched[p] += length
	return nil
}

func (ft *fakeTelemetry) Rerouted(_ *storage.Txn, _ string, reason string) error {
	ft.Lock()
	defer ft.Unlock()
	ft.rerouted[reason]++
	return nil
}

func (ft *fakeTelemetry) Fragmented(_ *storage.Txn, fragments uint64) error {
	ft.Lock()
	defer ft.Unlock()
	ft.fragments += fragments
	return nil
}

func (ft *fakeTelemetry) Custody(_ *storage.Txn, accepted, released uint64) error {
	ft.Lock()
	defer ft.Unlock()
	ft.accepted += accepted
	ft.released += released
	return nil
}

func (ft *fakeTelemetry) Activity(c byte) {
	ft.Lock()
	defer ft.Unlock()
	ft.activity = append(ft.activity, c)
}

func (ft *fakeTelemetry) activities() string {
	ft.Lock()
	defer ft.Unlock()
	return string(ft.activity)
}

type harness struct {
	t *testing.T

	store     *storage.Store
	signals   *sema.Table
	predictor *fakePredictor
	forwarder *fakeForwarder
	telemetry *fakeTelemetry

	objects byte
}

// newHarness creates a store with the plan "n2" towards ipn:2.0, sending
// through the outduct "od2".
func newHarness(t *testing.T, nominalRate uint64) *harness {
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		t:         t,
		store:     store,
		signals:   sema.NewTable(),
		predictor: &fakePredictor{ceiling: contact.UnlimitedCeiling()},
		forwarder: &fakeForwarder{reasons: make(map[uint64]string)},
		telemetry: &fakeTelemetry{
			dispatched: make(map[bpv7.Priority]uint64),
			rerouted:   make(map[string]int),
		},
	}

	t.Cleanup(func() {
		h.signals.EndAll()
		if err := store.Close(); err != nil {
			t.Fatal(err)
		}
	})

	h.update(func(tx *storage.Txn) error {
		if err := tx.PutOutduct(storage.OutductRecord{Name: testOutduct, Protocol: "mtcp"}); err != nil {
			return err
		}
		return tx.PutPlan(storage.NewPlanRecord(testPlan, bpv7.IpnNode(2), testOutduct, nominalRate))
	})

	return h
}

func (h *harness) update(fn func(tx *storage.Txn) error) {
	h.t.Helper()
	if err := h.store.Update(fn); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) dispatcher(conf Config) *Dispatcher {
	h.t.Helper()

	d, err := NewDispatcher(h.store, h.signals, testPlan, h.predictor, h.forwarder, h.telemetry, nil, conf)
	if err != nil {
		h.t.Fatal(err)
	}
	h.t.Cleanup(func() {
		if err := d.Close(); err != nil {
			h.t.Fatal(err)
		}
	})
	return d
}

// bundle creates a bundle with its own payload object.
func (h *harness) bundle(prio bpv7.Priority, length uint64, dest string, flags bpv7.BundleControlFlags) bpv7.Bundle {
	h.t.Helper()

	h.objects++
	obj, err := h.store.WriteObject(bytes.Repeat([]byte{h.objects}, int(length)))
	if err != nil {
		h.t.Fatal(err)
	}

	b, err := bpv7.Builder().
		Source("ipn:1.1").
		Destination(dest).
		BundleCtrlFlags(flags).
		CreationTimestampNow().
		Lifetime("1h").
		Priority(prio).
		Payload(bpv7.PayloadRef{Object: obj, Length: length}).
		Build()
	if err != nil {
		h.t.Fatal(err)
	}
	return b
}

// enqueue a new bundle into a queue, the plan's issuance queue by default.
func (h *harness) enqueue(prio bpv7.Priority, length uint64, opts ...func(*enqueueOpts)) (id uint64) {
	h.t.Helper()

	o := enqueueOpts{dest: "ipn:2.1", queue: storage.PlanQueue(testPlan, prio)}
	for _, opt := range opts {
		opt(&o)
	}

	b := h.bundle(prio, length, o.dest, o.flags)
	h.update(func(tx *storage.Txn) (err error) {
		id, err = tx.InsertBundle(b, o.queue, o.custody)
		return
	})
	return
}

type enqueueOpts struct {
	dest    string
	queue   string
	flags   bpv7.BundleControlFlags
	custody bool
}

func to(dest string) func(*enqueueOpts)    { return func(o *enqueueOpts) { o.dest = dest } }
func into(queue string) func(*enqueueOpts) { return func(o *enqueueOpts) { o.queue = queue } }
func withCustody(o *enqueueOpts)           { o.custody = true }
func mustNotFragment(o *enqueueOpts)       { o.flags |= bpv7.MustNotFragmented }

func (h *harness) queue(name string) (recs []storage.BundleRecord) {
	h.t.Helper()
	if err := h.store.View(func(tx *storage.Txn) (err error) {
		recs, err = tx.Bundles(name)
		return
	}); err != nil {
		h.t.Fatal(err)
	}
	return
}

func (h *harness) plan() (pr storage.PlanRecord) {
	h.t.Helper()
	if err := h.store.View(func(tx *storage.Txn) (err error) {
		pr, err = tx.Plan(testPlan)
		return
	}); err != nil {
		h.t.Fatal(err)
	}
	return
}

func (h *harness) setCapacity(capacity int64) {
	h.update(func(tx *storage.Txn) error {
		pr, err := tx.Plan(testPlan)
		if err != nil {
			return err
		}
		pr.Capacity = capacity
		return tx.PutPlan(pr)
	})
}

// transmit acts as the convergence-layer adapter, emptying the transmit buffer.
func (h *harness) transmit() (recs []storage.BundleRecord) {
	h.t.Helper()

	recs = h.queue(storage.XmitQueue(testOutduct))
	h.update(func(tx *storage.Txn) error {
		for _, rec := range recs {
			if err := tx.DestroyBundle(rec.Id); err != nil {
				return err
			}
		}
		return nil
	})
	return
}

// checkMembership verifies that every bundle is listed in exactly the one
// queue its record names.
func (h *harness) checkMembership() {
	h.t.Helper()

	queues := []string{storage.QueueForward, storage.QueueLimbo, storage.XmitQueue(testOutduct)}
	for _, p := range bpv7.Priorities {
		queues = append(queues, storage.PlanQueue(testPlan, p))
	}

	seen := make(map[uint64]string)
	for _, queue := range queues {
		for _, rec := range h.queue(queue) {
			if other, ok := seen[rec.Id]; ok {
				h.t.Fatalf("bundle %d is member of %s and %s", rec.Id, other, queue)
			}
			if rec.QueueKey != queue {
				h.t.Fatalf("bundle %d is listed in %s, but its record names %s", rec.Id, queue, rec.QueueKey)
			}
			seen[rec.Id] = queue
		}
	}
}

func (h *harness) cycle(d *Dispatcher, kind OutcomeKind) Outcome {
	h.t.Helper()

	out := d.Cycle()
	if out.Kind != kind {
		h.t.Fatalf("expected %v, got %v", kind, out)
	}
	h.checkMembership()
	return out
}

func TestDispatchEmptyIsIdle(t *testing.T) {
	h := newHarness(t, 10000)
	d := h.dispatcher(Config{})

	// Without capacity and a known contact, empty queues still wait for work
	// instead of polling.
	h.setCapacity(0)
	h.cycle(d, Idle)

	h.setCapacity(10000)
	h.predictor.set(contact.UnknownCeiling())
	h.cycle(d, Idle)

	h.enqueue(bpv7.Bulk, 100)
	if out := h.cycle(d, Retryable); out.Reason != ReasonContact {
		t.Fatalf("expected a contact wait, got %v", out)
	}
}

func TestDispatchScenario(t *testing.T) {
	h := newHarness(t, 10000)
	h.setCapacity(0)
	h.predictor.set(contact.UnknownCeiling())

	urgent := h.enqueue(bpv7.Urgent, 5000)
	standard := h.enqueue(bpv7.Standard, 3000)

	d := h.dispatcher(Config{})

	if out := h.cycle(d, Retryable); out.Reason != ReasonThrottle {
		t.Fatalf("expected a throttle wait, got %v", out)
	}

	h.setCapacity(10000)
	if out := h.cycle(d, Retryable); out.Reason != ReasonContact {
		t.Fatalf("expected a contact wait, got %v", out)
	}

	h.predictor.set(contact.BytesCeiling(4000))

	var sent []storage.BundleRecord
	for i := 0; i < 3; i++ {
		h.cycle(d, Dispatched)
		sent = append(sent, h.transmit()...)
	}
	h.cycle(d, Idle)

	if len(sent) != 3 {
		t.Fatalf("expected three transmissions, got %d", len(sent))
	}

	head, tail, rest := sent[0].Bundle, sent[1].Bundle, sent[2]
	if !head.IsFragment() || head.FragmentOffset != 0 || head.PayloadLength() != 4000 {
		t.Fatalf("first transmission is not the 4000 byte head fragment: %v", head)
	}
	if !tail.IsFragment() || tail.FragmentOffset != 4000 || tail.PayloadLength() != 1000 {
		t.Fatalf("second transmission is not the 1000 byte tail fragment: %v", tail)
	}
	if head.Priority != bpv7.Urgent || tail.Priority != bpv7.Urgent {
		t.Fatalf("fragments lost their priority: %v, %v", head.Priority, tail.Priority)
	}
	if rest.Id != standard || rest.Bundle.PayloadLength() != 3000 {
		t.Fatalf("third transmission is not the standard bundle: %v", rest.Bundle)
	}
	if sent[0].Id == urgent || sent[1].Id == urgent {
		t.Fatalf("the fragmented parent bundle %d was sent", urgent)
	}

	if h.telemetry.fragments != 2 {
		t.Fatalf("expected two fragments to be tallied, got %d", h.telemetry.fragments)
	}
	if n := h.telemetry.dispatched[bpv7.Urgent]; n != 5000 {
		t.Fatalf("expected 5000 urgent bytes, got %d", n)
	}
	if n := h.telemetry.dispatched[bpv7.Standard]; n != 3000 {
		t.Fatalf("expected 3000 standard bytes, got %d", n)
	}
	if a := h.telemetry.activities(); a != "fccc" {
		t.Fatalf("unexpected activity %q", a)
	}

	var wire int64
	for _, rec := range sent {
		wire += int64(rec.Bundle.HeaderLength()) + int64(rec.Bundle.PayloadLength())
	}
	if capacity := h.plan().Capacity; capacity != 10000-wire {
		t.Fatalf("expected capacity %d, got %d", 10000-wire, capacity)
	}
}

func TestDispatchStrictPriority(t *testing.T) {
	h := newHarness(t, 0)

	bulk := h.enqueue(bpv7.Bulk, 10)
	standard := h.enqueue(bpv7.Standard, 10)
	urgent1 := h.enqueue(bpv7.Urgent, 10)
	urgent2 := h.enqueue(bpv7.Urgent, 10)

	d := h.dispatcher(Config{Mode: Strict})

	for i, expected := range []uint64{urgent1, urgent2, standard, bulk} {
		if out := h.cycle(d, Dispatched); out.Bundle != expected {
			t.Fatalf("dispatch %d: expected bundle %d, got %v", i, expected, out)
		}
		h.transmit()
	}
	h.cycle(d, Idle)
}

func TestDispatchWeighted(t *testing.T) {
	h := newHarness(t, 0)

	s1 := h.enqueue(bpv7.Standard, 100)
	s2 := h.enqueue(bpv7.Standard, 100)
	s3 := h.enqueue(bpv7.Standard, 100)
	b1 := h.enqueue(bpv7.Bulk, 100)
	b2 := h.enqueue(bpv7.Bulk, 100)

	d := h.dispatcher(Config{Mode: Weighted, StarvationSeconds: 1})

	// Standard is scaled by two, bulk by one; ties favor standard.
	expected := []uint64{s1, b1, s2, s3, b2}

	for i := range expected {
		if i == 2 {
			// An urgent bundle is always dispatched next.
			urgent := h.enqueue(bpv7.Urgent, 10000)
			if out := h.cycle(d, Dispatched); out.Bundle != urgent {
				t.Fatalf("expected urgent bundle %d, got %v", urgent, out)
			}
			h.transmit()
		}

		if out := h.cycle(d, Dispatched); out.Bundle != expected[i] {
			t.Fatalf("dispatch %d: expected bundle %d, got %v", i, expected[i], out)
		}
		h.transmit()
	}

	pr := h.plan()
	if pr.Flows[bpv7.Urgent].TotalBytesSent != 0 {
		t.Fatalf("urgent traffic was accounted: %d", pr.Flows[bpv7.Urgent].TotalBytesSent)
	}
	if pr.Flows[bpv7.Standard].TotalBytesSent != 300 || pr.Flows[bpv7.Bulk].TotalBytesSent != 200 {
		t.Fatalf("unexpected flows %v", pr.Flows)
	}
}

func TestDispatchWeightedDefaultThreshold(t *testing.T) {
	h := newHarness(t, 0)

	var standard []uint64
	for i := 0; i < 5; i++ {
		standard = append(standard, h.enqueue(bpv7.Standard, 100))
	}
	bulk := h.enqueue(bpv7.Bulk, 100)

	// Without a configured threshold, bulk is still served while standard
	// traffic is pending.
	d := h.dispatcher(Config{Mode: Weighted})
	expected := append([]uint64{standard[0], bulk}, standard[1:]...)

	for i := range expected {
		if out := h.cycle(d, Dispatched); out.Bundle != expected[i] {
			t.Fatalf("dispatch %d: expected bundle %d, got %v", i, expected[i], out)
		}
		h.transmit()
	}
}

func TestWeightedSelectorStarvation(t *testing.T) {
	pr := storage.NewPlanRecord(testPlan, bpv7.IpnNode(2), testOutduct, 100)
	ws := &WeightedSelector{StarvationSeconds: 1}

	tests := []struct {
		prio           bpv7.Priority
		length         uint64
		standard, bulk uint64
	}{
		{bpv7.Standard, 150, 150, 0},
		{bpv7.Bulk, 50, 150, 50},
		{bpv7.Urgent, 1000, 150, 50},
		// served: standard 100, bulk 50
		{bpv7.Standard, 50, 200, 50},
		// served: standard 100, bulk 160; difference 60
		{bpv7.Bulk, 110, 200, 160},
		// served: standard 100, bulk 310; difference 210 exceeds 1s * 100B/s
		{bpv7.Bulk, 150, 0, 0},
	}

	for i, test := range tests {
		ws.Account(&pr, test.prio, test.length)

		if s := pr.Flows[bpv7.Standard].TotalBytesSent; s != test.standard {
			t.Fatalf("step %d: standard flow sent %d, expected %d", i, s, test.standard)
		}
		if b := pr.Flows[bpv7.Bulk].TotalBytesSent; b != test.bulk {
			t.Fatalf("step %d: bulk flow sent %d, expected %d", i, b, test.bulk)
		}

		lo, hi := served(&pr, bpv7.Bulk), served(&pr, bpv7.Standard)
		if lo > hi {
			lo, hi = hi, lo
		}
		if hi-lo > ws.threshold(&pr) {
			t.Fatalf("step %d: served volumes differ by %d", i, hi-lo)
		}
	}
}

func TestWeightedSelectorDefaultRate(t *testing.T) {
	pr := storage.NewPlanRecord(testPlan, bpv7.IpnNode(2), testOutduct, 0)
	ws := &WeightedSelector{StarvationSeconds: 2}

	if th := ws.threshold(&pr); th != 2*defaultStarvationRate {
		t.Fatalf("unexpected threshold %d", th)
	}
}

func TestDispatchEmbargo(t *testing.T) {
	h := newHarness(t, 0)

	h.update(func(tx *storage.Txn) error {
		return tx.PutEmbargo(2, 5, time.Now())
	})

	embargoed := h.enqueue(bpv7.Standard, 100, to("ipn:5.1"))
	other := h.enqueue(bpv7.Standard, 100, to("ipn:6.1"))

	d := h.dispatcher(Config{})

	out := h.cycle(d, Rerouted)
	if out.Bundle != embargoed || out.Reason != ReasonEmbargo {
		t.Fatalf("unexpected outcome %v", out)
	}
	if r := h.forwarder.reason(embargoed); r != ReasonEmbargo {
		t.Fatalf("forwarder got reason %q", r)
	}
	if n := len(h.queue(storage.XmitQueue(testOutduct))); n != 0 {
		t.Fatalf("transmit buffer holds %d bundles", n)
	}

	fwd := h.queue(storage.QueueForward)
	if len(fwd) != 1 || fwd[0].Id != embargoed {
		t.Fatalf("embargoed bundle is not waiting for the forwarder: %v", fwd)
	}
	if len(fwd[0].Excluded) != 1 || fwd[0].Excluded[0] != 2 {
		t.Fatalf("neighbor was not excluded: %v", fwd[0].Excluded)
	}

	if out := h.cycle(d, Dispatched); out.Bundle != other {
		t.Fatalf("expected bundle %d, got %v", other, out)
	}
	if a := h.telemetry.activities(); a != "ec" {
		t.Fatalf("unexpected activity %q", a)
	}
}

func TestDispatchEmbargoNonNumeric(t *testing.T) {
	h := newHarness(t, 0)

	h.update(func(tx *storage.Txn) error {
		return tx.PutEmbargo(2, 5, time.Now())
	})

	id := h.enqueue(bpv7.Standard, 100, to("dtn://five/inbox"))
	d := h.dispatcher(Config{})

	if out := h.cycle(d, Dispatched); out.Bundle != id {
		t.Fatalf("expected bundle %d, got %v", id, out)
	}
}

func TestDispatchNonFragmentable(t *testing.T) {
	h := newHarness(t, 0)
	h.predictor.set(contact.BytesCeiling(1000))

	id := h.enqueue(bpv7.Standard, 2000, mustNotFragment)
	d := h.dispatcher(Config{})

	out := h.cycle(d, Rerouted)
	if out.Bundle != id || out.Reason != ReasonNonFragmentable {
		t.Fatalf("unexpected outcome %v", out)
	}
	if r := h.forwarder.reason(id); r != ReasonNonFragmentable {
		t.Fatalf("forwarder got reason %q", r)
	}
	if h.telemetry.rerouted[ReasonNonFragmentable] != 1 {
		t.Fatalf("reroute was not tallied: %v", h.telemetry.rerouted)
	}
	h.cycle(d, Idle)
}

func TestDispatchOutductMaxPayload(t *testing.T) {
	h := newHarness(t, 0)
	h.predictor.set(contact.BytesCeiling(4000))

	h.update(func(tx *storage.Txn) error {
		od, err := tx.Outduct(testOutduct)
		if err != nil {
			return err
		}
		od.MaxPayloadLength = 1500
		return tx.PutOutduct(od)
	})

	h.enqueue(bpv7.Bulk, 4000, withCustody)
	d := h.dispatcher(Config{})

	var lengths []uint64
	for i := 0; i < 3; i++ {
		h.cycle(d, Dispatched)
		for _, rec := range h.transmit() {
			if !rec.Custody {
				t.Fatalf("fragment %v lost custody", rec.Bundle)
			}
			lengths = append(lengths, rec.Bundle.PayloadLength())
		}
	}
	h.cycle(d, Idle)

	if len(lengths) != 3 || lengths[0] != 1500 || lengths[1] != 1500 || lengths[2] != 1000 {
		t.Fatalf("unexpected fragment lengths %v", lengths)
	}
	if h.telemetry.accepted != 4 || h.telemetry.released != 2 {
		t.Fatalf("unexpected custody tally: %d accepted, %d released", h.telemetry.accepted, h.telemetry.released)
	}
}

func TestDispatchFragmentSharesPayload(t *testing.T) {
	h := newHarness(t, 0)
	h.predictor.set(contact.BytesCeiling(600))

	id := h.enqueue(bpv7.Standard, 1000)

	var obj string
	h.update(func(tx *storage.Txn) error {
		rec, err := tx.Bundle(id)
		obj = rec.Bundle.Payload.Object
		return err
	})

	d := h.dispatcher(Config{})
	h.cycle(d, Dispatched)

	if err := h.store.View(func(tx *storage.Txn) error {
		if _, err := tx.Bundle(id); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("parent bundle still exists: %v", err)
		}

		refs, err := tx.ObjectRefs(obj)
		if err != nil {
			return err
		}
		if refs != 2 {
			t.Fatalf("payload object has %d references", refs)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	tail := h.queue(storage.PlanQueue(testPlan, bpv7.Standard))
	if len(tail) != 1 || tail[0].Bundle.FragmentOffset != 600 || tail[0].Bundle.PayloadLength() != 400 {
		t.Fatalf("tail fragment is not queued: %v", tail)
	}
}

func TestDispatchBlockedOutduct(t *testing.T) {
	h := newHarness(t, 0)

	h.update(func(tx *storage.Txn) error {
		od, err := tx.Outduct(testOutduct)
		if err != nil {
			return err
		}
		od.Blocked = true
		return tx.PutOutduct(od)
	})

	id := h.enqueue(bpv7.Urgent, 100)
	d := h.dispatcher(Config{})

	if out := h.cycle(d, Rerouted); out.Bundle != id || out.Reason != ReasonLimbo {
		t.Fatalf("unexpected outcome %v", out)
	}

	limbo := h.queue(storage.QueueLimbo)
	if len(limbo) != 1 || limbo[0].Id != id {
		t.Fatalf("bundle is not in limbo: %v", limbo)
	}
	if a := h.telemetry.activities(); a != "l" {
		t.Fatalf("unexpected activity %q", a)
	}
}

func TestDispatchBacklogDrain(t *testing.T) {
	h := newHarness(t, 0)

	stale1 := h.enqueue(bpv7.Standard, 10, into(storage.XmitQueue(testOutduct)))
	stale2 := h.enqueue(bpv7.Bulk, 10, into(storage.XmitQueue(testOutduct)))
	fresh := h.enqueue(bpv7.Standard, 10)

	d := h.dispatcher(Config{})

	if out := h.cycle(d, Dispatched); out.Bundle != fresh {
		t.Fatalf("expected bundle %d, got %v", fresh, out)
	}

	xmit := h.queue(storage.XmitQueue(testOutduct))
	if len(xmit) != 1 || xmit[0].Id != fresh {
		t.Fatalf("transmit buffer holds more than the new bundle: %v", xmit)
	}

	for _, id := range []uint64{stale1, stale2} {
		if r := h.forwarder.reason(id); r != ReasonInferredFailure {
			t.Fatalf("bundle %d was reforwarded with %q", id, r)
		}
	}
	if n := len(h.queue(storage.QueueForward)); n != 2 {
		t.Fatalf("expected two bundles for the forwarder, got %d", n)
	}
	if a := h.telemetry.activities(); a != "rrc" {
		t.Fatalf("unexpected activity %q", a)
	}
}

func TestDispatchBacklogDrainFailure(t *testing.T) {
	h := newHarness(t, 0)

	stale := h.enqueue(bpv7.Standard, 10, into(storage.XmitQueue(testOutduct)))
	fresh := h.enqueue(bpv7.Standard, 10)

	h.forwarder.fail = true
	d := h.dispatcher(Config{})

	if out := h.cycle(d, Fatal); out.Err == nil {
		t.Fatalf("fatal outcome without error: %v", out)
	}

	xmit := h.queue(storage.XmitQueue(testOutduct))
	if len(xmit) != 1 || xmit[0].Id != stale {
		t.Fatalf("transmit buffer was modified: %v", xmit)
	}
	queued := h.queue(storage.PlanQueue(testPlan, bpv7.Standard))
	if len(queued) != 1 || queued[0].Id != fresh {
		t.Fatalf("issuance queue was modified: %v", queued)
	}
	if a := h.telemetry.activities(); a != "" {
		t.Fatalf("activity of a discarded cycle: %q", a)
	}
}

func TestDispatchStoppedPlan(t *testing.T) {
	h := newHarness(t, 0)
	h.enqueue(bpv7.Standard, 10)

	d := h.dispatcher(Config{})

	h.update(func(tx *storage.Txn) error {
		pr, err := tx.Plan(testPlan)
		if err != nil {
			return err
		}
		pr.Stopped = true
		return tx.PutPlan(pr)
	})

	h.cycle(d, Stopped)
}

func TestAttach(t *testing.T) {
	h := newHarness(t, 0)

	if _, err := NewDispatcher(h.store, h.signals, "unknown", h.predictor, h.forwarder, h.telemetry, nil, Config{}); !errors.Is(err, ErrPlanUnknown) {
		t.Fatalf("expected ErrPlanUnknown, got %v", err)
	}

	d := h.dispatcher(Config{})
	if pid := h.plan().Pid; pid == 0 {
		t.Fatal("dispatcher's pid was not recorded")
	}

	if _, err := NewDispatcher(h.store, h.signals, testPlan, h.predictor, h.forwarder, h.telemetry, nil, Config{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if pid := h.plan().Pid; pid != 0 {
		t.Fatalf("pid %d was not cleared", pid)
	}

	// Reattaching must work after detaching.
	h.dispatcher(Config{})
}

func TestAttachKeepsStopped(t *testing.T) {
	h := newHarness(t, 0)
	h.enqueue(bpv7.Standard, 100)

	h.update(func(tx *storage.Txn) error {
		pr, err := tx.Plan(testPlan)
		if err != nil {
			return err
		}
		pr.Stopped = true
		return tx.PutPlan(pr)
	})

	d := h.dispatcher(Config{})
	if !h.plan().Stopped {
		t.Fatal("attaching resumed a stopped plan")
	}
	h.cycle(d, Stopped)
}

type fixedEstimator struct{ overhead uint64 }

func (fe fixedEstimator) WireSize(_ storage.OutductRecord, length uint64) uint64 {
	return length + fe.overhead
}

func TestDispatchThrottleEstimate(t *testing.T) {
	h := newHarness(t, 1000)
	id := h.enqueue(bpv7.Standard, 100)

	d, err := NewDispatcher(h.store, h.signals, testPlan, h.predictor, h.forwarder, h.telemetry, fixedEstimator{overhead: 2000}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			t.Fatal(err)
		}
	}()

	sent := h.transmitAfter(d)
	if len(sent) != 1 || sent[0].Id != id {
		t.Fatalf("unexpected transmission %v", sent)
	}

	cost := int64(sent[0].Bundle.HeaderLength()) + 100 + 2000
	if capacity := h.plan().Capacity; capacity != 1000-cost {
		t.Fatalf("expected capacity %d, got %d", 1000-cost, capacity)
	}

	h.enqueue(bpv7.Standard, 100)
	if out := h.cycle(d, Retryable); out.Reason != ReasonThrottle {
		t.Fatalf("expected a throttle wait, got %v", out)
	}
}

// transmitAfter runs one dispatching cycle and empties the transmit buffer.
func (h *harness) transmitAfter(d *Dispatcher) []storage.BundleRecord {
	h.t.Helper()
	h.cycle(d, Dispatched)
	return h.transmit()
}

func TestDispatcherRun(t *testing.T) {
	h := newHarness(t, 0)
	d := h.dispatcher(Config{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error)
	go func() { errCh <- d.Run(ctx) }()

	id := h.enqueue(bpv7.Urgent, 100)
	h.signals.Plan(testPlan).Give()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if xmit := h.queue(storage.XmitQueue(testOutduct)); len(xmit) == 1 && xmit[0].Id == id {
			break
		} else if time.Now().After(deadline) {
			t.Fatalf("bundle was not dispatched: %v", xmit)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := h.signals.Outduct(testOutduct).Take(ctx); err != nil {
		t.Fatalf("outduct was not woken up: %v", err)
	}

	h.signals.Plan(testPlan).End()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherRunStopped(t *testing.T) {
	h := newHarness(t, 0)
	d := h.dispatcher(Config{PollInterval: 10 * time.Millisecond})

	h.update(func(tx *storage.Txn) error {
		pr, err := tx.Plan(testPlan)
		if err != nil {
			return err
		}
		pr.Stopped = true
		return tx.PutPlan(pr)
	})

	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
}
