package sched

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rektwatch/rektwatch/internal/market"
	"github.com/rektwatch/rektwatch/internal/metrics"
	"github.com/rektwatch/rektwatch/internal/report"
	"github.com/rektwatch/rektwatch/internal/store"
)

var schedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	subs    []store.Subscriber
	subsErr error
	deleted []time.Time
	rows    int64
}

func (f *fakeStore) ActiveSubscribers(context.Context) ([]store.Subscriber, error) {
	return f.subs, f.subsErr
}

func (f *fakeStore) DeleteLiquidationsBefore(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, before)
	return f.rows, nil
}

type fakeReports struct {
	texts map[int64]string
	errs  map[int64]error
}

func (f *fakeReports) Generate(_ context.Context, sub store.Subscriber, _ int, _ bool) (string, error) {
	if err := f.errs[sub.ChatID]; err != nil {
		return "", err
	}
	return f.texts[sub.ChatID], nil
}

type fakeSink struct {
	mu      sync.Mutex
	reports []int64
	surges  []market.OISurge
}

func (f *fakeSink) SendReport(_ context.Context, sub store.Subscriber, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, sub.ChatID)
}

func (f *fakeSink) OISurge(_ context.Context, s market.OISurge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.surges = append(f.surges, s)
}

type fakeScanner struct {
	mu        sync.Mutex
	calls     int
	bases     []string
	threshold float64
	surges    []market.OISurge

	entered chan struct{}
	block   chan struct{}
}

func (f *fakeScanner) ScanOISurges(_ context.Context, bases []string, threshold float64) []market.OISurge {
	f.mu.Lock()
	f.calls++
	f.bases = bases
	f.threshold = threshold
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	return f.surges
}

func (f *fakeScanner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStream struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeStream) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func frozen(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sub(chatID int64, intervalHours int) store.Subscriber {
	return store.Subscriber{ChatID: chatID, ReportIntervalHours: intervalHours, NotificationsEnabled: true}
}

func TestDigestsHourModulo(t *testing.T) {
	// At 12:00 UTC, intervals 4 and 12 are due; 24 is not. Interval 0
	// falls back to the default. Sentinel, empty, and failed renders
	// are all skipped.
	st := &fakeStore{subs: []store.Subscriber{
		sub(1, 4),
		sub(2, 24),
		sub(3, 0),
		sub(4, 12),
		sub(5, 4),
		sub(6, 1),
	}}
	reports := &fakeReports{
		texts: map[int64]string{
			1: "report one",
			2: "never rendered",
			3: "report three",
			4: report.NoLiquidations,
			5: "",
		},
		errs: map[int64]error{6: errors.New("window query failed")},
	}
	sink := &fakeSink{}

	s := New(Defaults(), Deps{
		Store:   st,
		Reports: reports,
		Alerts:  sink,
		Logger:  zerolog.Nop(),
		Now:     frozen(schedNow),
	})

	require.NoError(t, s.RunJob(context.Background(), JobDigests))
	assert.Equal(t, []int64{1, 3}, sink.reports)
}

func TestRetentionCutoff(t *testing.T) {
	st := &fakeStore{rows: 42}
	s := New(Defaults(), Deps{Store: st, Logger: zerolog.Nop(), Now: frozen(schedNow)})

	require.NoError(t, s.RunJob(context.Background(), JobRetention))
	require.Len(t, st.deleted, 1)
	assert.Equal(t, schedNow.Add(-48*time.Hour), st.deleted[0])
}

func TestOIScanRoutesSurges(t *testing.T) {
	scanner := &fakeScanner{surges: []market.OISurge{
		{Symbol: "BTC", PercentChange: 3.0},
		{Symbol: "ETH", PercentChange: -2.7},
	}}
	sink := &fakeSink{}

	s := New(Defaults(), Deps{
		Market: scanner,
		Alerts: sink,
		Bases:  []string{"BTC", "ETH", "SOL"},
		Logger: zerolog.Nop(),
		Now:    frozen(schedNow),
	})

	require.NoError(t, s.RunJob(context.Background(), JobOIScan))
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, scanner.bases)
	assert.Equal(t, 2.5, scanner.threshold)
	require.Len(t, sink.surges, 2)
	assert.Equal(t, "BTC", sink.surges[0].Symbol)
}

func TestRunJobUnknown(t *testing.T) {
	s := New(Defaults(), Deps{Store: &fakeStore{}, Logger: zerolog.Nop()})
	err := s.RunJob(context.Background(), "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")
	assert.Contains(t, err.Error(), JobRetention)
}

func TestWSRefreshPropagatesError(t *testing.T) {
	stream := &fakeStream{err: errors.New("dial failed")}
	s := New(Defaults(), Deps{Stream: stream, Logger: zerolog.Nop()})

	err := s.RunJob(context.Background(), JobWSRefresh)
	require.Error(t, err)
	assert.Equal(t, 1, stream.calls)
}

func TestTickFiresDigestsAtTopOfHour(t *testing.T) {
	start := time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC)
	st := &fakeStore{subs: []store.Subscriber{sub(1, 1)}}
	reports := &fakeReports{texts: map[int64]string{1: "digest"}}
	sink := &fakeSink{}

	off := false
	cfg := Defaults()
	cfg.Retention.Enabled = &off

	s := New(cfg, Deps{
		Store:   st,
		Reports: reports,
		Alerts:  sink,
		Logger:  zerolog.Nop(),
		Now:     frozen(start),
	})

	ctx := context.Background()
	s.tick(ctx, time.Date(2024, 3, 1, 11, 59, 30, 0, time.UTC))
	s.wg.Wait()
	assert.Empty(t, sink.reports, "not due before the hour")

	s.tick(ctx, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s.wg.Wait()
	assert.Equal(t, []int64{1}, sink.reports)

	// Same hour again: next already advanced to 13:00.
	s.tick(ctx, time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC))
	s.wg.Wait()
	assert.Equal(t, []int64{1}, sink.reports)
}

func TestTickFiresRetentionAtMidnight(t *testing.T) {
	st := &fakeStore{}
	s := New(Defaults(), Deps{Store: st, Logger: zerolog.Nop(), Now: frozen(schedNow)})

	ctx := context.Background()
	s.tick(ctx, time.Date(2024, 3, 1, 23, 59, 30, 0, time.UTC))
	s.wg.Wait()
	assert.Empty(t, st.deleted)

	midnight := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	s.tick(ctx, midnight)
	s.wg.Wait()
	require.Len(t, st.deleted, 1)
	assert.Equal(t, midnight.Add(-48*time.Hour), st.deleted[0])
}

func TestRetentionCustomTickFreeRuns(t *testing.T) {
	cfg := Defaults()
	cfg.Retention.TickHours = 6

	st := &fakeStore{}
	s := New(cfg, Deps{Store: st, Logger: zerolog.Nop(), Now: frozen(schedNow)})

	ctx := context.Background()
	s.tick(ctx, schedNow.Add(5*time.Hour))
	s.wg.Wait()
	assert.Empty(t, st.deleted, "not due before one tick has elapsed")

	s.tick(ctx, schedNow.Add(6*time.Hour))
	s.wg.Wait()
	assert.Len(t, st.deleted, 1)
}

func TestOIScanCadence(t *testing.T) {
	scanner := &fakeScanner{}
	sink := &fakeSink{}
	s := New(Defaults(), Deps{
		Market: scanner,
		Alerts: sink,
		Logger: zerolog.Nop(),
		Now:    frozen(schedNow),
	})

	ctx := context.Background()

	// First tick fires immediately to seed the baseline.
	s.tick(ctx, schedNow)
	s.wg.Wait()
	assert.Equal(t, 1, scanner.callCount())

	s.tick(ctx, schedNow.Add(10*time.Minute))
	s.wg.Wait()
	assert.Equal(t, 1, scanner.callCount(), "cadence not elapsed")

	s.tick(ctx, schedNow.Add(15*time.Minute))
	s.wg.Wait()
	assert.Equal(t, 2, scanner.callCount())
}

func TestBusyJobSkipsTick(t *testing.T) {
	scanner := &fakeScanner{
		entered: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	reg := metrics.New(prometheus.NewRegistry())
	s := New(Defaults(), Deps{
		Market:  scanner,
		Alerts:  &fakeSink{},
		Logger:  zerolog.Nop(),
		Metrics: reg,
		Now:     frozen(schedNow),
	})

	ctx := context.Background()
	s.tick(ctx, schedNow)
	<-scanner.entered

	// Still holding the job mutex: this tick must be skipped.
	s.tick(ctx, schedNow.Add(15*time.Minute))
	assert.Equal(t, 1.0, metrics.CounterVecTotal(reg.JobSkips))
	assert.Equal(t, 1, scanner.callCount())

	close(scanner.block)
	s.wg.Wait()

	s.tick(ctx, schedNow.Add(30*time.Minute))
	s.wg.Wait()
	assert.Equal(t, 2, scanner.callCount())
}

func TestDisabledJobStillRunsManually(t *testing.T) {
	off := false
	cfg := Defaults()
	cfg.OIScan.Enabled = &off

	scanner := &fakeScanner{}
	s := New(cfg, Deps{
		Market: scanner,
		Alerts: &fakeSink{},
		Logger: zerolog.Nop(),
		Now:    frozen(schedNow),
	})

	ctx := context.Background()
	s.tick(ctx, schedNow.Add(time.Hour))
	s.wg.Wait()
	assert.Equal(t, 0, scanner.callCount())

	require.NoError(t, s.RunJob(ctx, JobOIScan))
	assert.Equal(t, 1, scanner.callCount())
}

func TestScheduleHelpers(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 34, 56, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), nextHour(at))
	assert.Equal(t, time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC), nextHour(time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), nextMidnight(at))
}

func TestApplyFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	body := []byte("digests:\n  enabled: false\noi_scan:\n  every_minutes: 5\n  threshold_pct: 4\nretention:\n  keep_hours: 72\n  tick_hours: 12\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg := Defaults()
	require.NoError(t, ApplyFile(&cfg, path))

	require.NotNil(t, cfg.Digests.Enabled)
	assert.False(t, *cfg.Digests.Enabled)
	assert.Equal(t, 5, cfg.OIScan.EveryMinutes)
	assert.Equal(t, 4.0, cfg.OIScan.ThresholdPct)
	assert.Equal(t, 72, cfg.Retention.KeepHours)
	assert.Equal(t, 12, cfg.Retention.TickHours)
	assert.Equal(t, 24, cfg.WSRefresh.EveryHours, "untouched section keeps defaults")
}

func TestApplyFileClampsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retention:\n  keep_hours: -1\n"), 0o600))

	cfg := Defaults()
	require.NoError(t, ApplyFile(&cfg, path))
	assert.Equal(t, 48, cfg.Retention.KeepHours)
}
