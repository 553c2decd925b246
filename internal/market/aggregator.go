package market

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rektwatch/rektwatch/internal/cache"
	"github.com/rektwatch/rektwatch/internal/metrics"
)

const (
	keyAggStats   = "agg_stats:"
	keyTopFunding = "top_funding"

	aggStatsTTL = 60 * time.Second
	fundingTTL  = 300 * time.Second
)

// Exchange is one venue's contribution to an aggregate, already
// normalised: OpenInterest is USD, never coins or contract counts.
type Exchange struct {
	Name            string    `json:"name"`
	Price           float64   `json:"price"`
	FundingRate     float64   `json:"fundingRate"`
	NextFundingTime time.Time `json:"nextFundingTime,omitempty"`
	OpenInterest    float64   `json:"openInterest"`
	URL             string    `json:"url"`
}

// Stats is the cross-venue aggregate for one base symbol.
type Stats struct {
	Symbol            string     `json:"symbol"`
	TotalOpenInterest float64    `json:"totalOpenInterest"`
	AvgPrice          float64    `json:"avgPrice"`
	Exchanges         []Exchange `json:"exchanges"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// FundingEntry is one symbol's funding snapshot.
type FundingEntry struct {
	Symbol      string    `json:"symbol"`
	Rate        float64   `json:"rate"`
	MarkPrice   float64   `json:"markPrice"`
	NextFunding time.Time `json:"nextFunding,omitempty"`
}

// LongShortRatio is the top-trader account ratio for one symbol.
type LongShortRatio struct {
	Symbol    string    `json:"symbol"`
	Ratio     float64   `json:"ratio"`
	LongPct   float64   `json:"longPct"`
	ShortPct  float64   `json:"shortPct"`
	Timestamp time.Time `json:"timestamp"`
}

// Aggregator fans a symbol lookup out to every venue in parallel and
// folds the survivors into a single Stats value. Results live in the
// cache for a minute so alert rendering and back-to-back commands reuse
// one round of venue calls.
type Aggregator struct {
	cache   cache.Cache
	binance *BinanceClient
	bybit   *BybitClient
	mexc    *MEXCClient
	log     zerolog.Logger
	reg     *metrics.Registry
}

func NewAggregator(c cache.Cache, binance *BinanceClient, bybit *BybitClient, mexc *MEXCClient, log zerolog.Logger, reg *metrics.Registry) *Aggregator {
	return &Aggregator{
		cache:   c,
		binance: binance,
		bybit:   bybit,
		mexc:    mexc,
		log:     log.With().Str("component", "market").Logger(),
		reg:     reg,
	}
}

// Stats returns the aggregate for one base symbol, read through the
// cache. ErrNoData when every venue fails.
func (a *Aggregator) Stats(ctx context.Context, base string) (*Stats, error) {
	base = strings.ToUpper(base)

	raw, err := a.cache.GetOrFetch(ctx, keyAggStats+base, aggStatsTTL, func(ctx context.Context) ([]byte, error) {
		stats, err := a.fetchStats(ctx, base)
		if err != nil {
			return nil, err
		}
		return json.Marshal(stats)
	})
	if err != nil {
		return nil, err
	}

	var stats Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, fmt.Errorf("decode cached stats for %s: %w", base, err)
	}
	return &stats, nil
}

// CachedStats returns the aggregate only if it is already cached. No
// venue calls are made; callers on the hot alert path use this.
func (a *Aggregator) CachedStats(ctx context.Context, base string) *Stats {
	raw, ok, err := a.cache.Get(ctx, keyAggStats+strings.ToUpper(base))
	if err != nil || !ok {
		return nil
	}
	var stats Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil
	}
	return &stats
}

func (a *Aggregator) fetchStats(ctx context.Context, base string) (*Stats, error) {
	type quoteFn func(context.Context, string) (*Exchange, error)

	var (
		mu     sync.Mutex
		quotes []Exchange
		wg     sync.WaitGroup
	)
	for _, fetch := range []quoteFn{a.binance.Quote, a.bybit.Quote, a.mexc.Quote} {
		wg.Add(1)
		go func(fetch quoteFn) {
			defer wg.Done()
			q, err := fetch(ctx, base)
			if err != nil {
				a.log.Debug().Err(err).Str("symbol", base).Msg("venue omitted")
				return
			}
			mu.Lock()
			quotes = append(quotes, *q)
			mu.Unlock()
		}(fetch)
	}
	wg.Wait()

	if len(quotes) == 0 {
		return nil, fmt.Errorf("aggregate %s: %w", base, ErrNoData)
	}

	sort.Slice(quotes, func(i, j int) bool {
		return quotes[i].OpenInterest > quotes[j].OpenInterest
	})

	stats := &Stats{
		Symbol:    base,
		Exchanges: quotes,
		UpdatedAt: time.Now().UTC(),
	}
	for _, q := range quotes {
		stats.TotalOpenInterest += q.OpenInterest
		stats.AvgPrice += q.Price
	}
	stats.AvgPrice /= float64(len(quotes))
	return stats, nil
}

// TopFunding returns the limit highest-magnitude funding rates across
// all USDT perpetuals, most extreme first.
func (a *Aggregator) TopFunding(ctx context.Context, limit int) ([]FundingEntry, error) {
	entries, err := a.allFunding(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return math.Abs(entries[i].Rate) > math.Abs(entries[j].Rate)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// FundingMap returns base symbol -> current funding rate. Consumers are
// best-effort: report rendering omits funding on error.
func (a *Aggregator) FundingMap(ctx context.Context) (map[string]float64, error) {
	entries, err := a.allFunding(ctx)
	if err != nil {
		return nil, err
	}
	rates := make(map[string]float64, len(entries))
	for _, e := range entries {
		rates[e.Symbol] = e.Rate
	}
	return rates, nil
}

func (a *Aggregator) allFunding(ctx context.Context) ([]FundingEntry, error) {
	raw, err := a.cache.GetOrFetch(ctx, keyTopFunding, fundingTTL, func(ctx context.Context) ([]byte, error) {
		entries, err := a.binance.AllPremiumIndex(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(entries)
	})
	if err != nil {
		return nil, err
	}

	var entries []FundingEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode cached funding: %w", err)
	}
	return entries, nil
}

// LongShortRatio returns the latest top-trader account ratio for one
// base symbol over the given period (e.g. "1h").
func (a *Aggregator) LongShortRatio(ctx context.Context, base, period string) (*LongShortRatio, error) {
	if period == "" {
		period = "1h"
	}
	return a.binance.TopLongShortRatio(ctx, base, period)
}
