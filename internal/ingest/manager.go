// Package ingest consumes the futures forced-liquidation stream. The
// universe is split into shards of at most 50 symbols, each owning one
// combined-stream websocket with its own reconnect loop.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rektwatch/rektwatch/internal/metrics"
	"github.com/rektwatch/rektwatch/internal/store"
	"github.com/rektwatch/rektwatch/internal/universe"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Handler receives every decoded event, exactly once, on the shard's
// read goroutine. The whole downstream chain runs before the next
// frame is read.
type Handler func(ctx context.Context, ev store.Liquidation)

// Config wires a Manager. Zero tuning values take the defaults noted
// per field.
type Config struct {
	BaseURL   string        // combined-stream endpoint, e.g. wss://fstream.binance.com
	Symbols   []string      // venue symbols; defaults to the tracked universe
	ShardSize int           // max symbols per socket, default 50
	Ping      time.Duration // ping cadence, default 30s
	Backoff   time.Duration // reconnect delay, default 5s
	Pause     time.Duration // settle time between Refresh teardown and restart, default 5s
	Handler   Handler
	Logger    zerolog.Logger
	Metrics   *metrics.Registry
}

// Manager owns the shard set. Start/Stop bracket its lifetime; Refresh
// cycles every connection in place.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	shards  []*shard
	wg      sync.WaitGroup
	running bool
}

// NewManager validates cfg and fills defaults.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ingest: stream base url required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("ingest: handler required")
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = universe.Symbols()
	}
	if cfg.ShardSize <= 0 {
		cfg.ShardSize = 50
	}
	if cfg.Ping <= 0 {
		cfg.Ping = 30 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.Pause <= 0 {
		cfg.Pause = 5 * time.Second
	}
	return &Manager{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "ingest").Logger(),
	}, nil
}

// Start dials every shard. The manager keeps ctx for the lifetime of
// all current and refreshed connections.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("ingest: already started")
	}
	m.baseCtx = ctx
	m.startLocked()
	return nil
}

// Stop closes every shard and waits for their goroutines.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// Refresh tears every connection down, lets the venue settle, and
// dials everything again. Used by the daily refresh job.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return errors.New("ingest: not started")
	}

	m.log.Info().Msg("refreshing stream connections")
	m.stopLocked()

	select {
	case <-time.After(m.cfg.Pause):
	case <-ctx.Done():
		return ctx.Err()
	}

	m.startLocked()
	return nil
}

// Shards reports the current shard count.
func (m *Manager) Shards() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shards)
}

// ConnectedShards reports how many shards hold an open connection.
func (m *Manager) ConnectedShards() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sh := range m.shards {
		if sh.connected() {
			n++
		}
	}
	return n
}

func (m *Manager) startLocked() {
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.cancel = cancel

	chunks := universe.Chunk(m.cfg.Symbols, m.cfg.ShardSize)
	for i, chunk := range chunks {
		sh := newShard(i, streamURL(m.cfg.BaseURL, chunk), len(chunk), m.cfg)
		m.shards = append(m.shards, sh)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			sh.run(ctx)
		}()
	}
	m.running = true
	m.log.Info().Int("shards", len(chunks)).Int("symbols", len(m.cfg.Symbols)).Msg("ingest started")
}

func (m *Manager) stopLocked() {
	if !m.running {
		return
	}
	m.cancel()
	for _, sh := range m.shards {
		sh.closeConn()
	}
	m.wg.Wait()
	m.shards = nil
	m.running = false
	m.log.Info().Msg("ingest stopped")
}
