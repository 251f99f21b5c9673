// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	log "github.com/sirupsen/logrus"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
	"github.com/dtn7/dtn7-clm/pkg/storage"
)

const namespace = "dtnclm"

// Collector exports the Counters and the plans' state as Prometheus metrics.
// Each scrape reads the store within one read-only transaction.
type Collector struct {
	store *storage.Store

	classBundles   *prometheus.Desc
	classBytes     *prometheus.Desc
	planBundles    *prometheus.Desc
	planBytes      *prometheus.Desc
	reroutes       *prometheus.Desc
	fragmentation  *prometheus.Desc
	custody        *prometheus.Desc
	outductBundles *prometheus.Desc
	outductBytes   *prometheus.Desc

	capacity    *prometheus.Desc
	nominalRate *prometheus.Desc
	queued      *prometheus.Desc
	backlog     *prometheus.Desc
	inflight    *prometheus.Desc
}

// NewCollector for the store's telemetry.
func NewCollector(store *storage.Store) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	return &Collector{
		store: store,

		classBundles:   desc("dispatched_bundles_total", "Dispatched bundles by class of service.", "class"),
		classBytes:     desc("dispatched_bytes_total", "Dispatched payload bytes by class of service.", "class"),
		planBundles:    desc("plan_dequeued_bundles_total", "Bundles dequeued by a plan's dispatcher.", "plan"),
		planBytes:      desc("plan_dequeued_bytes_total", "Payload bytes dequeued by a plan's dispatcher.", "plan"),
		reroutes:       desc("plan_rerouted_bundles_total", "Bundles handed back to the forwarder by a plan.", "plan", "reason"),
		fragmentation:  desc("fragmentation_total", "Fragmented bundles and produced fragments.", "event"),
		custody:        desc("custody_total", "Accepted and released custody commitments.", "event"),
		outductBundles: desc("outduct_bundles_total", "Bundles transmitted by an outduct, by result.", "outduct", "result"),
		outductBytes:   desc("outduct_bytes_total", "Payload bytes sent by an outduct.", "outduct"),

		capacity:    desc("plan_capacity_bytes", "Remaining transmit budget of a plan's throttle.", "plan"),
		nominalRate: desc("plan_nominal_rate_bytes", "Nominal rate of a plan's throttle in bytes per second.", "plan"),
		queued:      desc("plan_queued_bundles", "Bundles in a plan's issuance queue.", "plan", "class"),
		backlog:     desc("outduct_backlog_bundles", "Bundles in an outduct's transmit buffer.", "outduct"),
		inflight:    desc("outduct_inflight_bundles", "Bundles an outduct's adapter is sending.", "outduct"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.classBundles, c.classBytes, c.planBundles, c.planBytes, c.reroutes, c.fragmentation,
		c.custody, c.outductBundles, c.outductBytes, c.capacity, c.nominalRate, c.queued, c.backlog, c.inflight,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	err := c.store.View(func(tx *storage.Txn) error {
		counters, err := Counters(tx)
		if err != nil {
			return err
		}
		for _, counter := range counters {
			c.collectCounter(ch, counter)
		}

		plans, err := tx.Plans()
		if err != nil {
			return err
		}
		for _, pr := range plans {
			ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(pr.Capacity), pr.Name)
			ch <- prometheus.MustNewConstMetric(c.nominalRate, prometheus.GaugeValue, float64(pr.NominalRate), pr.Name)

			for _, p := range bpv7.Priorities {
				n, err := tx.QueueLength(storage.PlanQueue(pr.Name, p))
				if err != nil {
					return err
				}
				ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(n), pr.Name, p.String())
			}
		}

		outducts, err := tx.Outducts()
		if err != nil {
			return err
		}
		for _, od := range outducts {
			n, err := tx.QueueLength(storage.XmitQueue(od.Name))
			if err != nil {
				return err
			}
			ch <- prometheus.MustNewConstMetric(c.backlog, prometheus.GaugeValue, float64(n), od.Name)

			if n, err = tx.QueueLength(storage.InflightQueue(od.Name)); err != nil {
				return err
			}
			ch <- prometheus.MustNewConstMetric(c.inflight, prometheus.GaugeValue, float64(n), od.Name)
		}
		return nil
	})

	if err != nil {
		log.WithError(err).Warn("Collecting metrics failed")
	}
}

func (c *Collector) collectCounter(ch chan<- prometheus.Metric, counter Counter) {
	var (
		bundles = float64(counter.Bundles)
		bytes   = float64(counter.Bytes)
	)

	switch counter.Kind {
	case KindClass:
		ch <- prometheus.MustNewConstMetric(c.classBundles, prometheus.CounterValue, bundles, counter.Label)
		ch <- prometheus.MustNewConstMetric(c.classBytes, prometheus.CounterValue, bytes, counter.Label)

	case KindPlan:
		ch <- prometheus.MustNewConstMetric(c.planBundles, prometheus.CounterValue, bundles, counter.Owner)
		ch <- prometheus.MustNewConstMetric(c.planBytes, prometheus.CounterValue, bytes, counter.Owner)

	case KindReroute:
		ch <- prometheus.MustNewConstMetric(c.reroutes, prometheus.CounterValue, bundles, counter.Owner, counter.Label)

	case KindFragmentation:
		ch <- prometheus.MustNewConstMetric(c.fragmentation, prometheus.CounterValue, bundles, counter.Label)

	case KindCustody:
		ch <- prometheus.MustNewConstMetric(c.custody, prometheus.CounterValue, bundles, counter.Label)

	case KindOutduct:
		ch <- prometheus.MustNewConstMetric(c.outductBundles, prometheus.CounterValue, bundles, counter.Owner, counter.Label)
		if counter.Label == LabelSent {
			ch <- prometheus.MustNewConstMetric(c.outductBytes, prometheus.CounterValue, bytes, counter.Owner)
		}
	}
}
