// Package metrics holds the prometheus collectors of a domreplay process.
// Every method is safe on a nil *Metrics so library callers can leave
// metrics unset.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/domreplay/mutation"
)

// Metrics groups the recorder, replay, ingest and HTTP collectors.
type Metrics struct {
	reg *prometheus.Registry

	batches       *prometheus.CounterVec
	records       *prometheus.CounterVec
	snapshots     prometheus.Counter
	nodes         prometheus.Counter
	missingParked prometheus.Counter
	missingDone   prometheus.Counter
	recorderErrs  prometheus.Counter
	events        *prometheus.CounterVec
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry, plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domreplay_mutation_batches_total",
			Help: "Mutation batches by outcome (emitted, vetoed, empty).",
		}, []string{"outcome"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domreplay_mutation_records_total",
			Help: "Emitted mutation records by kind.",
		}, []string{"kind"}),
		snapshots: f.NewCounter(prometheus.CounterOpts{
			Name: "domreplay_full_snapshots_total",
			Help: "Full snapshots taken.",
		}),
		nodes: f.NewCounter(prometheus.CounterOpts{
			Name: "domreplay_nodes_serialized_total",
			Help: "Nodes given a fresh or reused id by the serializer.",
		}),
		missingParked: f.NewCounter(prometheus.CounterOpts{
			Name: "domreplay_replay_missing_parked_total",
			Help: "Replay operations parked on an unknown node id.",
		}),
		missingDone: f.NewCounter(prometheus.CounterOpts{
			Name: "domreplay_replay_missing_resolved_total",
			Help: "Parked replay operations applied once their id appeared.",
		}),
		recorderErrs: f.NewCounter(prometheus.CounterOpts{
			Name: "domreplay_recorder_errors_total",
			Help: "Panics recovered on the recording goroutine.",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domreplay_events_ingested_total",
			Help: "Events stored by type.",
		}, []string{"type"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domreplay_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "domreplay_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry exposes the underlying registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Batch counts one mutation tick.
func (m *Metrics) Batch(d *mutation.MutationData, vetoed bool) {
	if m == nil {
		return
	}
	switch {
	case vetoed:
		m.batches.WithLabelValues("vetoed").Inc()
		return
	case d == nil || d.Empty():
		m.batches.WithLabelValues("empty").Inc()
		return
	}
	m.batches.WithLabelValues("emitted").Inc()
	m.records.WithLabelValues("add").Add(float64(len(d.Adds)))
	m.records.WithLabelValues("remove").Add(float64(len(d.Removes)))
	m.records.WithLabelValues("text").Add(float64(len(d.Texts)))
	m.records.WithLabelValues("attribute").Add(float64(len(d.Attributes)))
}

// Snapshot counts one full snapshot.
func (m *Metrics) Snapshot() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}

// NodeSerialized counts one serialized node.
func (m *Metrics) NodeSerialized() {
	if m == nil {
		return
	}
	m.nodes.Inc()
}

// RecorderError counts one panic recovered by a recorder.
func (m *Metrics) RecorderError() {
	if m == nil {
		return
	}
	m.recorderErrs.Inc()
}

// MissingParked counts one replay operation parked on a missing id.
func (m *Metrics) MissingParked() {
	if m == nil {
		return
	}
	m.missingParked.Inc()
}

// MissingResolved counts parked replay operations that were applied.
func (m *Metrics) MissingResolved(n int) {
	if m == nil || n == 0 {
		return
	}
	m.missingDone.Add(float64(n))
}

// EventIngested counts one stored event.
func (m *Metrics) EventIngested(t mutation.EventType) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(strconv.Itoa(int(t))).Inc()
}

// Request records one served HTTP request.
func (m *Metrics) Request(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route).Observe(d.Seconds())
}
