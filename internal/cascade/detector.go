// Package cascade folds bursts of same-side liquidations on one symbol
// into a single aggregate alert.
package cascade

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rektwatch/rektwatch/internal/metrics"
	"github.com/rektwatch/rektwatch/internal/store"
)

const sweepEvery = time.Second

// Key identifies one accumulation bucket.
type Key struct {
	Symbol string
	Side   store.Side
}

// Alert is the aggregate handed downstream when a closed bucket meets
// the count and volume floors.
type Alert struct {
	Symbol      string
	Side        store.Side
	Count       int
	TotalVolume float64
	MinPrice    float64
	MaxPrice    float64
	StartTime   time.Time
	Window      time.Duration
}

// PriceMovePct is the price envelope of the burst as a percentage of
// the low.
func (a Alert) PriceMovePct() float64 {
	if a.MinPrice <= 0 {
		return 0
	}
	return (a.MaxPrice - a.MinPrice) / a.MinPrice * 100
}

type bucket struct {
	count     int
	volume    float64
	minPrice  float64
	maxPrice  float64
	startTime time.Time
}

// Config tunes a Detector. Zero values take the production defaults.
type Config struct {
	Window    time.Duration
	MinCount  int
	MinVolume float64
	Emit      func(Alert)
	Logger    zerolog.Logger
	Metrics   *metrics.Registry
	Now       func() time.Time
}

// Detector accumulates liquidations into (symbol, side) buckets and
// closes each bucket once its window elapses. Closing happens on a 1 s
// sweep tick, or eagerly when a new event lands on an expired bucket.
type Detector struct {
	mu      sync.Mutex
	buckets map[Key]*bucket

	window    time.Duration
	minCount  int
	minVolume float64

	emitMu sync.Mutex
	emit   func(Alert)

	now func() time.Time
	log zerolog.Logger
	reg *metrics.Registry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config) *Detector {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.MinCount <= 0 {
		cfg.MinCount = 3
	}
	if cfg.MinVolume < 0 {
		cfg.MinVolume = 0
	}
	if cfg.Emit == nil {
		cfg.Emit = func(Alert) {}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Detector{
		buckets:   make(map[Key]*bucket),
		window:    cfg.Window,
		minCount:  cfg.MinCount,
		minVolume: cfg.MinVolume,
		emit:      cfg.Emit,
		now:       cfg.Now,
		log:       cfg.Logger.With().Str("component", "cascade").Logger(),
		reg:       cfg.Metrics,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background sweep.
func (d *Detector) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.sweepOnce()
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep and drains every open bucket.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.Drain()
}

// Add folds one liquidation into its bucket. If the bucket's window has
// already elapsed, it is closed first and the event seeds a fresh one.
func (d *Detector) Add(ev store.Liquidation) {
	key := Key{Symbol: ev.Symbol, Side: ev.Side}
	notional := ev.Notional()
	now := d.now()

	var pending []Alert

	d.mu.Lock()
	if b, ok := d.buckets[key]; ok && now.Sub(b.startTime) >= d.window {
		pending = d.closeBucket(key, b, pending)
	}
	if b, ok := d.buckets[key]; ok {
		b.count++
		b.volume += notional
		if ev.Price < b.minPrice {
			b.minPrice = ev.Price
		}
		if ev.Price > b.maxPrice {
			b.maxPrice = ev.Price
		}
	} else {
		d.buckets[key] = &bucket{
			count:     1,
			volume:    notional,
			minPrice:  ev.Price,
			maxPrice:  ev.Price,
			startTime: now,
		}
	}
	d.mu.Unlock()

	d.deliver(pending)
}

// Drain closes every bucket immediately, applying the usual floors.
func (d *Detector) Drain() {
	var pending []Alert
	d.mu.Lock()
	for key, b := range d.buckets {
		pending = d.closeBucket(key, b, pending)
	}
	d.mu.Unlock()
	d.deliver(pending)
}

// Len reports the number of open buckets.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buckets)
}

func (d *Detector) sweepOnce() {
	now := d.now()
	var pending []Alert

	d.mu.Lock()
	for key, b := range d.buckets {
		if now.Sub(b.startTime) >= d.window {
			pending = d.closeBucket(key, b, pending)
		}
	}
	d.mu.Unlock()

	d.deliver(pending)
}

// closeBucket removes the bucket and, when it meets both floors,
// appends the resulting alert. Callers hold d.mu.
func (d *Detector) closeBucket(key Key, b *bucket, pending []Alert) []Alert {
	delete(d.buckets, key)

	if b.count < d.minCount || b.volume < d.minVolume {
		return pending
	}
	return append(pending, Alert{
		Symbol:      key.Symbol,
		Side:        key.Side,
		Count:       b.count,
		TotalVolume: b.volume,
		MinPrice:    b.minPrice,
		MaxPrice:    b.maxPrice,
		StartTime:   b.startTime,
		Window:      d.window,
	})
}

// deliver emits outside the bucket lock; the emit mutex keeps flushes
// serialised so downstream sees them in close order.
func (d *Detector) deliver(alerts []Alert) {
	if len(alerts) == 0 {
		return
	}
	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	for _, a := range alerts {
		d.log.Info().
			Str("symbol", a.Symbol).
			Str("side", string(a.Side)).
			Int("count", a.Count).
			Float64("volume", a.TotalVolume).
			Msg("cascade detected")
		d.reg.RecordCascade()
		d.emit(a)
	}
}
