// Package sched drives the recurring jobs: hourly report digests,
// nightly retention, the open-interest scan, and the daily websocket
// refresh. Each job holds its own mutex; a tick that lands while the
// previous run is still in flight is skipped, never queued.
package sched

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rektwatch/rektwatch/internal/market"
	"github.com/rektwatch/rektwatch/internal/metrics"
	"github.com/rektwatch/rektwatch/internal/report"
	"github.com/rektwatch/rektwatch/internal/store"
)

// Job names used in config keys, log fields, and metric labels.
const (
	JobDigests   = "digests"
	JobRetention = "retention"
	JobOIScan    = "oi_scan"
	JobWSRefresh = "ws_refresh"
)

const tickEvery = 30 * time.Second

// Store is the slice of the persistence API the scheduler needs.
type Store interface {
	ActiveSubscribers(ctx context.Context) ([]store.Subscriber, error)
	DeleteLiquidationsBefore(ctx context.Context, before time.Time) (int64, error)
}

// DigestSource renders a scheduled report for one subscriber.
type DigestSource interface {
	Generate(ctx context.Context, sub store.Subscriber, hours int, scheduled bool) (string, error)
}

// AlertSink delivers rendered output. Satisfied by alert.Router.
type AlertSink interface {
	SendReport(ctx context.Context, sub store.Subscriber, text string)
	OISurge(ctx context.Context, s market.OISurge)
}

// SurgeScanner walks the universe looking for open-interest swings.
type SurgeScanner interface {
	ScanOISurges(ctx context.Context, bases []string, threshold float64) []market.OISurge
}

// StreamRefresher tears down and re-dials the ingest websockets.
type StreamRefresher interface {
	Refresh(ctx context.Context) error
}

// Deps carries the collaborators jobs act on. A nil collaborator
// removes the jobs that need it, which keeps CLI wiring partial.
type Deps struct {
	Store   Store
	Reports DigestSource
	Alerts  AlertSink
	Market  SurgeScanner
	Stream  StreamRefresher
	Bases   []string
	Logger  zerolog.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
}

type job struct {
	name     string
	enabled  bool
	mu       sync.Mutex
	schedule func(time.Time) time.Time
	run      func(context.Context) error

	// stateMu guards the snapshot fields below; mu stays free so Status
	// never blocks on a running job.
	stateMu sync.Mutex
	next    time.Time
	lastRun time.Time
	lastErr string
}

// Scheduler owns the tick loop and the job table.
type Scheduler struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	jobs []*job

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the job table. Jobs whose collaborators are missing are
// left out entirely; jobs disabled in cfg stay addressable via RunJob
// but never fire on their own.
func New(cfg Config, deps Deps) *Scheduler {
	cfg.normalize()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Scheduler{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger.With().Str("component", "sched").Logger(),
		now:    deps.Now,
		stopCh: make(chan struct{}),
	}

	start := s.now().UTC()
	if deps.Store != nil && deps.Reports != nil && deps.Alerts != nil {
		s.add(JobDigests, on(cfg.Digests.Enabled), nextHour(start), nextHour, s.runDigests)
	}
	if deps.Store != nil {
		next, advance := retentionSchedule(cfg.Retention.TickHours, start)
		s.add(JobRetention, on(cfg.Retention.Enabled), next, advance, s.runRetention)
	}
	if deps.Market != nil && deps.Alerts != nil {
		// First scan fires on the first tick so the baseline
		// snapshots exist as early as possible.
		cadence := time.Duration(cfg.OIScan.EveryMinutes) * time.Minute
		s.add(JobOIScan, on(cfg.OIScan.Enabled), start, fixed(cadence), s.runOIScan)
	}
	if deps.Stream != nil {
		cadence := time.Duration(cfg.WSRefresh.EveryHours) * time.Hour
		s.add(JobWSRefresh, on(cfg.WSRefresh.Enabled), start.Add(cadence), fixed(cadence), s.runWSRefresh)
	}
	return s
}

func (s *Scheduler) add(name string, enabled bool, first time.Time, schedule func(time.Time) time.Time, run func(context.Context) error) {
	s.jobs = append(s.jobs, &job{
		name:     name,
		enabled:  enabled,
		next:     first,
		schedule: schedule,
		run:      run,
	})
}

// Start launches the tick loop. Stop (or ctx cancellation) ends it.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(tickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, s.now().UTC())
			}
		}
	}()
}

// Stop ends the tick loop and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Jobs lists the names in the job table, sorted.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.name)
	}
	sort.Strings(names)
	return names
}

// JobStatus is one row of the snapshot served by the status endpoint.
// LastRun stays zero until the job completes once.
type JobStatus struct {
	Name    string    `json:"name"`
	Enabled bool      `json:"enabled"`
	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run"`
	LastErr string    `json:"last_error,omitempty"`
}

// Status reports each job's schedule position and last outcome, sorted
// by name.
func (s *Scheduler) Status() []JobStatus {
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.stateMu.Lock()
		out = append(out, JobStatus{
			Name:    j.name,
			Enabled: j.enabled,
			NextRun: j.next,
			LastRun: j.lastRun,
			LastErr: j.lastErr,
		})
		j.stateMu.Unlock()
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// RunJob executes one job immediately and synchronously. It fails if
// the job is mid-run or not in the table.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.name != name {
			continue
		}
		if !j.mu.TryLock() {
			return fmt.Errorf("job %s is already running", name)
		}
		defer j.mu.Unlock()
		return s.execute(ctx, j)
	}
	return fmt.Errorf("unknown job %q (valid: %s)", name, strings.Join(s.Jobs(), ", "))
}

// tick fires every due job. next is advanced before the run so a slow
// job skips ticks instead of piling them up.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, j := range s.jobs {
		j.stateMu.Lock()
		due := j.enabled && !now.Before(j.next)
		if due {
			j.next = j.schedule(now)
		}
		j.stateMu.Unlock()
		if due {
			s.fire(ctx, j)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, j *job) {
	if !j.mu.TryLock() {
		s.log.Warn().Str("job", j.name).Msg("previous run still in flight, skipping tick")
		s.deps.Metrics.RecordJobSkip(j.name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.mu.Unlock()
		_ = s.execute(ctx, j)
	}()
}

func (s *Scheduler) execute(ctx context.Context, j *job) error {
	start := time.Now()
	err := j.run(ctx)
	s.deps.Metrics.RecordJobRun(j.name, err)

	j.stateMu.Lock()
	j.lastRun = s.now().UTC()
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.stateMu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Str("job", j.name).Dur("took", time.Since(start)).Msg("job failed")
		return err
	}
	s.log.Debug().Str("job", j.name).Dur("took", time.Since(start)).Msg("job finished")
	return nil
}

// runDigests sends a scheduled report to every subscriber whose
// interval divides the current UTC hour. Empty windows are skipped
// rather than delivered.
func (s *Scheduler) runDigests(ctx context.Context) error {
	now := s.now().UTC()
	subs, err := s.deps.Store.ActiveSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("digests: %w", err)
	}

	sent := 0
	for _, sub := range subs {
		interval := sub.ReportIntervalHours
		if interval <= 0 {
			interval = store.DefaultReportIntervalHours
		}
		if now.Hour()%interval != 0 {
			continue
		}
		text, err := s.deps.Reports.Generate(ctx, sub, interval, true)
		if err != nil {
			s.log.Warn().Err(err).Int64("chat_id", sub.ChatID).Msg("digest generation failed")
			continue
		}
		if text == "" || text == report.NoLiquidations {
			continue
		}
		s.deps.Alerts.SendReport(ctx, sub, text)
		sent++
	}
	s.log.Info().Int("active", len(subs)).Int("sent", sent).Msg("digest pass done")
	return nil
}

func (s *Scheduler) runRetention(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-time.Duration(s.cfg.Retention.KeepHours) * time.Hour)
	rows, err := s.deps.Store.DeleteLiquidationsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	s.log.Info().Int64("rows", rows).Time("cutoff", cutoff).Msg("retention sweep done")
	return nil
}

func (s *Scheduler) runOIScan(ctx context.Context) error {
	surges := s.deps.Market.ScanOISurges(ctx, s.deps.Bases, s.cfg.OIScan.ThresholdPct)
	for _, surge := range surges {
		s.deps.Alerts.OISurge(ctx, surge)
	}
	if len(surges) > 0 {
		s.log.Info().Int("surges", len(surges)).Msg("open interest scan done")
	}
	return nil
}

func (s *Scheduler) runWSRefresh(ctx context.Context) error {
	if err := s.deps.Stream.Refresh(ctx); err != nil {
		return fmt.Errorf("stream refresh: %w", err)
	}
	return nil
}

func nextHour(t time.Time) time.Time {
	return t.Truncate(time.Hour).Add(time.Hour)
}

func nextMidnight(t time.Time) time.Time {
	return t.Truncate(24 * time.Hour).Add(24 * time.Hour)
}

// retentionSchedule pins the daily default to midnight UTC so restarts
// never move the purge hour; any other cadence free-runs from start.
func retentionSchedule(tickHours int, start time.Time) (time.Time, func(time.Time) time.Time) {
	if tickHours == 24 {
		return nextMidnight(start), nextMidnight
	}
	tick := time.Duration(tickHours) * time.Hour
	return start.Add(tick), fixed(tick)
}

func fixed(d time.Duration) func(time.Time) time.Time {
	return func(t time.Time) time.Time { return t.Add(d) }
}
