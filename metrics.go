package coreobject

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "core"

// coreMetrics is the prometheus collector for a Core. Counters are read from
// the Core at collection time, except command latency, which the core thread
// observes as it runs.
type coreMetrics struct {
	core *Core

	objects       *prometheus.Desc
	pending       *prometheus.Desc
	executed      *prometheus.Desc
	created       *prometheus.Desc
	finalized     *prometheus.Desc
	resurrections *prometheus.Desc
	scavenged     *prometheus.Desc

	latency prometheus.Histogram
}

var _ prometheus.Collector = (*coreMetrics)(nil)

func newCoreMetrics(c *Core, namespace string) *coreMetrics {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, metricsSubsystem, name), help, labels, nil)
	}
	return &coreMetrics{
		core:          c,
		objects:       desc("objects", "Number of registered objects, by lifecycle state.", "state"),
		pending:       desc("commands_pending", "Number of commands queued on the core thread."),
		executed:      desc("commands_executed_total", "Total number of commands executed by the core thread."),
		created:       desc("objects_created_total", "Total number of objects constructed."),
		finalized:     desc("objects_finalized_total", "Total number of objects finalized."),
		resurrections: desc("resurrections_total", "Total number of released objects resurrected to be destroyed."),
		scavenged:     desc("objects_scavenged_total", "Total number of objects garbage collected without being finalized."),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "command_duration_seconds",
			Help:      "Execution time of commands on the core thread.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
}

func (m *coreMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.objects
	ch <- m.pending
	ch <- m.executed
	ch <- m.created
	ch <- m.finalized
	ch <- m.resurrections
	ch <- m.scavenged
	m.latency.Describe(ch)
}

func (m *coreMetrics) Collect(ch chan<- prometheus.Metric) {
	c := m.core

	var counts [StateDestroyed + 1]int
	objs := c.registry.objects()
	c.mu.Lock()
	for _, o := range objs {
		if o.state <= StateDestroyed {
			counts[o.state]++
		}
	}
	c.mu.Unlock()
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(m.objects, prometheus.GaugeValue, float64(n), ObjectState(state).String())
	}

	if n, ok := c.pending(); ok {
		ch <- prometheus.MustNewConstMetric(m.pending, prometheus.GaugeValue, float64(n))
	}
	if n, ok := c.executed(); ok {
		ch <- prometheus.MustNewConstMetric(m.executed, prometheus.CounterValue, float64(n))
	}
	ch <- prometheus.MustNewConstMetric(m.created, prometheus.CounterValue, float64(c.stats.created.Load()))
	ch <- prometheus.MustNewConstMetric(m.finalized, prometheus.CounterValue, float64(c.stats.finalized.Load()))
	ch <- prometheus.MustNewConstMetric(m.resurrections, prometheus.CounterValue, float64(c.stats.resurrections.Load()))
	ch <- prometheus.MustNewConstMetric(m.scavenged, prometheus.CounterValue, float64(c.stats.scavenged.Load()))
	m.latency.Collect(ch)
}
