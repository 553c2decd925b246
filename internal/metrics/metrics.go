// Package metrics holds the Prometheus instrumentation for the pipeline.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry bundles every collector the pipeline exposes. A nil *Registry is
// valid and records nothing, which keeps test wiring small.
type Registry struct {
	EventsIngested  *prometheus.CounterVec
	EventsMalformed prometheus.Counter
	PersistErrors   prometheus.Counter

	WSReconnects *prometheus.CounterVec
	WSConnected  *prometheus.GaugeVec

	CascadesEmitted prometheus.Counter

	AlertsSent          *prometheus.CounterVec
	AlertErrors         *prometheus.CounterVec
	SubscribersDisabled prometheus.Counter

	VenueRequests *prometheus.CounterVec
	OISurges      prometheus.Counter

	JobRuns  *prometheus.CounterVec
	JobSkips *prometheus.CounterVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
}

// New builds a Registry and registers every collector on reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rektwatch_events_ingested_total",
			Help: "Forced-liquidation events decoded from the stream",
		}, []string{"shard"}),
		EventsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rektwatch_events_malformed_total",
			Help: "Frames dropped because they could not be decoded",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rektwatch_persist_errors_total",
			Help: "Liquidation inserts that failed and were dropped",
		}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rektwatch_ws_reconnects_total",
			Help: "WebSocket reconnect attempts per shard",
		}, []string{"shard"}),
		WSConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rektwatch_ws_connected",
			Help: "1 while the shard connection is open",
		}, []string{"shard"}),
		CascadesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rektwatch_cascades_emitted_total",
			Help: "Cascade alerts emitted by the detector",
		}),
		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rektwatch_alerts_sent_total",
			Help: "Outbound alerts by kind and target",
		}, []string{"kind", "target"}),
		AlertErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rektwatch_alert_errors_total",
			Help: "Outbound alert sends that failed",
		}, []string{"kind"}),
		SubscribersDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rektwatch_subscribers_disabled_total",
			Help: "Subscribers auto-disabled after a blocked send",
		}),
		VenueRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rektwatch_venue_requests_total",
			Help: "Venue REST requests by venue and result",
		}, []string{"venue", "result"}),
		OISurges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rektwatch_oi_surges_total",
			Help: "Open-interest surges detected",
		}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rektwatch_job_runs_total",
			Help: "Scheduler job executions by result",
		}, []string{"job", "result"}),
		JobSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rektwatch_job_skips_total",
			Help: "Scheduler ticks skipped because the job was still running",
		}, []string{"job"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rektwatch_cache_hits_total",
			Help: "Cache hits by backend",
		}, []string{"backend"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rektwatch_cache_misses_total",
			Help: "Cache misses by backend",
		}, []string{"backend"}),
	}

	reg.MustRegister(
		m.EventsIngested, m.EventsMalformed, m.PersistErrors,
		m.WSReconnects, m.WSConnected,
		m.CascadesEmitted,
		m.AlertsSent, m.AlertErrors, m.SubscribersDisabled,
		m.VenueRequests, m.OISurges,
		m.JobRuns, m.JobSkips,
		m.CacheHits, m.CacheMisses,
	)
	return m
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide Registry registered on the global
// Prometheus registerer.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = New(prometheus.DefaultRegisterer)
	})
	return defaultReg
}

func (m *Registry) RecordEvent(shard int) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(strconv.Itoa(shard)).Inc()
}

func (m *Registry) RecordMalformed() {
	if m == nil {
		return
	}
	m.EventsMalformed.Inc()
}

func (m *Registry) RecordPersistError() {
	if m == nil {
		return
	}
	m.PersistErrors.Inc()
}

func (m *Registry) RecordReconnect(shard int) {
	if m == nil {
		return
	}
	m.WSReconnects.WithLabelValues(strconv.Itoa(shard)).Inc()
}

func (m *Registry) SetShardConnected(shard int, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	m.WSConnected.WithLabelValues(strconv.Itoa(shard)).Set(v)
}

func (m *Registry) RecordCascade() {
	if m == nil {
		return
	}
	m.CascadesEmitted.Inc()
}

func (m *Registry) RecordAlert(kind, target string) {
	if m == nil {
		return
	}
	m.AlertsSent.WithLabelValues(kind, target).Inc()
}

func (m *Registry) RecordAlertError(kind string) {
	if m == nil {
		return
	}
	m.AlertErrors.WithLabelValues(kind).Inc()
}

func (m *Registry) RecordSubscriberDisabled() {
	if m == nil {
		return
	}
	m.SubscribersDisabled.Inc()
}

func (m *Registry) RecordVenueRequest(venue string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.VenueRequests.WithLabelValues(venue, result).Inc()
}

func (m *Registry) RecordOISurge() {
	if m == nil {
		return
	}
	m.OISurges.Inc()
}

func (m *Registry) RecordJobRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.JobRuns.WithLabelValues(job, result).Inc()
}

func (m *Registry) RecordJobSkip(job string) {
	if m == nil {
		return
	}
	m.JobSkips.WithLabelValues(job).Inc()
}

func (m *Registry) RecordCacheHit(backend string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(backend).Inc()
}

func (m *Registry) RecordCacheMiss(backend string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(backend).Inc()
}

// CounterValue reads the current value of a counter. Used by the status
// endpoint to report live totals without scraping.
func CounterValue(c prometheus.Counter) float64 {
	pb := &dto.Metric{}
	if err := c.Write(pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

// CounterVecTotal sums a counter vec across all label values.
func CounterVecTotal(vec *prometheus.CounterVec) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		vec.Collect(ch)
		close(ch)
	}()

	total := 0.0
	for metric := range ch {
		pb := &dto.Metric{}
		if err := metric.Write(pb); err != nil {
			continue
		}
		total += pb.GetCounter().GetValue()
	}
	return total
}
