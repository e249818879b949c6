// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the agent's live state to Prometheus. Values are
// read from the registries at scrape time.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/ltsagent/internal/flows"
	"grimm.is/ltsagent/internal/queues"
	"grimm.is/ltsagent/internal/throughput"
	"grimm.is/ltsagent/internal/uplink"
)

const namespace = "ltsagent"

// SubmissionQueue reports the submission backlog and how many items a
// full queue turned away.
type SubmissionQueue interface {
	Len(ctx context.Context) (int, error)
	Refused() uint64
}

// UplinkStatus reports the uplink's counters.
type UplinkStatus interface {
	Status() uplink.Status
}

// Sources are the components scraped. Nil sources are skipped.
type Sources struct {
	Tracker *throughput.Tracker
	Flows   *flows.Registry
	Watched *queues.Registry
	Poller  *queues.Poller
	Queue   SubmissionQueue
	Uplink  UplinkStatus
}

// Exporter owns a Prometheus registry wired to Sources.
type Exporter struct {
	registry *prometheus.Registry
}

// NewExporter registers collectors for every non-nil source.
func NewExporter(src Sources) *Exporter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if t := src.Tracker; t != nil {
		reg.MustRegister(&throughputCollector{tracker: t})
	}

	if f := src.Flows; f != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracked_flows",
				Help:      "Number of flows in the flow table",
			}, func() float64 { return float64(f.Count()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flow_records_rejected_total",
				Help:      "Total number of raw flow records refused",
			}, func() float64 { return float64(f.Rejected()) }),
		)
	}

	if w := src.Watched; w != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watched_queues",
				Help:      "Number of circuits with an active watch lease",
			}, func() float64 { return float64(w.Len()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watched_queues_capacity",
				Help:      "Maximum number of watched circuits",
			}, func() float64 { return float64(w.Capacity()) }),
		)
	}

	if p := src.Poller; p != nil {
		reg.MustRegister(&circuitCollector{poller: p})
	}

	if q := src.Queue; q != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "submission_queue_depth",
			Help:      "Submissions waiting to be delivered",
		}, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := q.Len(ctx)
			if err != nil {
				return -1
			}
			return float64(n)
		}), prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_refused_total",
			Help:      "Submissions refused because the queue was full",
		}, func() float64 { return float64(q.Refused()) }))
	}

	if u := src.Uplink; u != nil {
		reg.MustRegister(&uplinkCollector{uplink: u})
	}

	return &Exporter{registry: reg}
}

// Registry returns the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

var (
	bitsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "throughput_bits_per_second"),
		"Current throughput in bits per second",
		[]string{"direction", "class"}, nil)
	packetsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "throughput_packets_per_second"),
		"Current packet rate",
		[]string{"direction"}, nil)
	shapedDevicesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "shaped_devices"),
		"Number of shaped devices",
		nil, nil)
)

type throughputCollector struct {
	tracker *throughput.Tracker
}

func (c *throughputCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bitsDesc
	ch <- packetsDesc
	ch <- shapedDevicesDesc
}

func (c *throughputCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.tracker.Snapshot()
	ch <- prometheus.MustNewConstMetric(bitsDesc, prometheus.GaugeValue, float64(s.TotalBitsPerSecond.Down), "down", "total")
	ch <- prometheus.MustNewConstMetric(bitsDesc, prometheus.GaugeValue, float64(s.TotalBitsPerSecond.Up), "up", "total")
	ch <- prometheus.MustNewConstMetric(bitsDesc, prometheus.GaugeValue, float64(s.ShapedBitsPerSecond.Down), "down", "shaped")
	ch <- prometheus.MustNewConstMetric(bitsDesc, prometheus.GaugeValue, float64(s.ShapedBitsPerSecond.Up), "up", "shaped")
	ch <- prometheus.MustNewConstMetric(packetsDesc, prometheus.GaugeValue, float64(s.PacketsPerSecond.Down), "down")
	ch <- prometheus.MustNewConstMetric(packetsDesc, prometheus.GaugeValue, float64(s.PacketsPerSecond.Up), "up")
	ch <- prometheus.MustNewConstMetric(shapedDevicesDesc, prometheus.GaugeValue, float64(s.ShapedDeviceCount))
}

var (
	circuitBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "circuit", "bytes_total"),
		"Bytes through a watched circuit's shaping class",
		[]string{"circuit", "direction"}, nil)
	circuitDropsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "circuit", "drops_total"),
		"Packets dropped by a watched circuit's shaping class",
		[]string{"circuit", "direction"}, nil)
	circuitBacklogDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "circuit", "backlog_bytes"),
		"Bytes queued in a watched circuit's shaping class",
		[]string{"circuit", "direction"}, nil)
)

type circuitCollector struct {
	poller *queues.Poller
}

func (c *circuitCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- circuitBytesDesc
	ch <- circuitDropsDesc
	ch <- circuitBacklogDesc
}

func (c *circuitCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.poller.All() {
		for _, d := range []struct {
			dir   string
			stats queues.ClassStats
		}{{"down", s.Download}, {"up", s.Upload}} {
			ch <- prometheus.MustNewConstMetric(circuitBytesDesc, prometheus.CounterValue, float64(d.stats.Bytes), s.CircuitID, d.dir)
			ch <- prometheus.MustNewConstMetric(circuitDropsDesc, prometheus.CounterValue, float64(d.stats.Drops), s.CircuitID, d.dir)
			ch <- prometheus.MustNewConstMetric(circuitBacklogDesc, prometheus.GaugeValue, float64(d.stats.Backlog), s.CircuitID, d.dir)
		}
	}
}

var (
	uplinkAttemptsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "uplink", "attempts_total"),
		"Delivery attempts that passed the local configuration checks",
		nil, nil)
	uplinkDeliveredDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "uplink", "delivered_total"),
		"Submissions written to the collector",
		nil, nil)
	uplinkStateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "uplink", "state"),
		"Current uplink state, 1 for the active state",
		[]string{"state"}, nil)
)

type uplinkCollector struct {
	uplink UplinkStatus
}

func (c *uplinkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- uplinkAttemptsDesc
	ch <- uplinkDeliveredDesc
	ch <- uplinkStateDesc
}

func (c *uplinkCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.uplink.Status()
	ch <- prometheus.MustNewConstMetric(uplinkAttemptsDesc, prometheus.CounterValue, float64(st.Attempts))
	ch <- prometheus.MustNewConstMetric(uplinkDeliveredDesc, prometheus.CounterValue, float64(st.Delivered))
	ch <- prometheus.MustNewConstMetric(uplinkStateDesc, prometheus.GaugeValue, 1, st.State)
}
