package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rektwatch/rektwatch/internal/metrics"
	"github.com/rektwatch/rektwatch/internal/sched"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeCache struct{ err error }

func (f fakeCache) Health(ctx context.Context) error { return f.err }

type fakeStream struct{ shards, connected int }

func (f fakeStream) Shards() int          { return f.shards }
func (f fakeStream) ConnectedShards() int { return f.connected }

type fakeJobs struct{ rows []sched.JobStatus }

func (f fakeJobs) Status() []sched.JobStatus { return f.rows }

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *metrics.Registry) {
	t.Helper()
	promReg := prometheus.NewRegistry()
	reg := metrics.New(promReg)
	cfg := Config{
		ListenAddr: ":0",
		DB:         fakePinger{},
		Cache:      fakeCache{},
		Stream:     fakeStream{shards: 2, connected: 2},
		Metrics:    reg,
		Gatherer:   promReg,
		Logger:     zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewServer(cfg), reg
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthAllComponentsUp(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "up", resp.Database.Status)
	assert.Equal(t, "up", resp.Cache.Status)
	assert.Equal(t, "up", resp.Stream.Status)
	assert.Equal(t, 2, resp.Stream.Shards)
	assert.Equal(t, 2, resp.Stream.Connected)
}

func TestHealthDatabaseDownReturns503(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *Config) {
		cfg.DB = fakePinger{err: errors.New("dial tcp: connection refused")}
	})

	rr := get(t, s, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "down", resp.Database.Status)
	assert.Contains(t, resp.Database.Error, "connection refused")
	assert.Equal(t, "up", resp.Cache.Status)
}

func TestHealthCacheDownReturns503(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *Config) {
		cfg.Cache = fakeCache{err: errors.New("redis: client is closed")}
	})

	rr := get(t, s, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "down", resp.Cache.Status)
}

func TestHealthStreamDegradedStaysOK(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *Config) {
		cfg.Stream = fakeStream{shards: 3, connected: 1}
	})

	rr := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "degraded", resp.Stream.Status)
	assert.Equal(t, 3, resp.Stream.Shards)
	assert.Equal(t, 1, resp.Stream.Connected)
}

func TestHealthDisabledComponents(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *Config) {
		cfg.DB = nil
		cfg.Cache = nil
		cfg.Stream = nil
	})

	rr := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "disabled", resp.Database.Status)
	assert.Equal(t, "disabled", resp.Cache.Status)
	assert.Equal(t, "disabled", resp.Stream.Status)
}

func TestStatusReportsCountersAndJobs(t *testing.T) {
	lastRun := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s, reg := newTestServer(t, func(cfg *Config) {
		cfg.Version = "1.2.3"
		cfg.Jobs = fakeJobs{rows: []sched.JobStatus{
			{Name: sched.JobDigests, Enabled: true, LastRun: lastRun},
			{Name: sched.JobRetention, Enabled: true, LastErr: "boom"},
		}}
	})

	reg.RecordEvent(0)
	reg.RecordEvent(1)
	reg.RecordMalformed()
	reg.RecordAlert("report", "subscriber")
	reg.RecordJobRun(sched.JobRetention, errors.New("boom"))

	rr := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.NotEmpty(t, resp.Uptime)

	assert.Equal(t, 2.0, resp.Counters["events_ingested"])
	assert.Equal(t, 1.0, resp.Counters["events_malformed"])
	assert.Equal(t, 1.0, resp.Counters["alerts_sent"])
	assert.Equal(t, 1.0, resp.Counters["job_runs"])
	assert.Equal(t, 0.0, resp.Counters["cascades_emitted"])

	require.Len(t, resp.Jobs, 2)
	assert.Equal(t, sched.JobDigests, resp.Jobs[0].Name)
	assert.Equal(t, lastRun, resp.Jobs[0].LastRun)
	assert.Equal(t, "boom", resp.Jobs[1].LastErr)
}

func TestStatusWithoutCollaborators(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *Config) {
		cfg.Metrics = nil
		cfg.Jobs = nil
	})

	rr := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Empty(t, resp.Counters)
	assert.Empty(t, resp.Jobs)
}

func TestMetricsServesPrometheusFormat(t *testing.T) {
	s, reg := newTestServer(t, nil)
	reg.RecordEvent(0)
	reg.RecordCascade()

	rr := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, "rektwatch_events_ingested_total")
	assert.Contains(t, body, "rektwatch_cascades_emitted_total 1")
}

func TestHealthRejectsPost(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := get(t, s, "/nope")
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "not found")
}
