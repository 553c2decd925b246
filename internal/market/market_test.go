package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rektwatch/rektwatch/internal/cache"
	"github.com/rektwatch/rektwatch/internal/metrics"
)

func failingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
}

// binanceHandler serves the three endpoints a Quote touches for a single
// symbol, with a hit counter on openInterest.
func binanceHandler(oi, price, funding string, hits *atomic.Int64) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/openInterest", func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		fmt.Fprintf(w, `{"symbol":%q,"openInterest":%q,"time":1}`, r.URL.Query().Get("symbol"), oi)
	})
	mux.HandleFunc("/fapi/v1/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"symbol":%q,"price":%q}`, r.URL.Query().Get("symbol"), price)
	})
	mux.HandleFunc("/fapi/v1/premiumIndex", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"symbol":%q,"markPrice":%q,"lastFundingRate":%q,"nextFundingTime":1700000000000}`,
			r.URL.Query().Get("symbol"), price, funding)
	})
	return mux
}

func bybitHandler(oi, price string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"retCode":0,"retMsg":"OK","result":{"category":"linear","list":[
			{"symbol":%q,"lastPrice":%q,"fundingRate":"0.0002","nextFundingTime":"1700000000000","openInterest":%q}]}}`,
			r.URL.Query().Get("symbol"), price, oi)
	})
	return mux
}

func mexcHandler(holdVol, size, price float64, detailOK bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/contract/ticker", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"success":true,"code":0,"data":{"symbol":%q,"lastPrice":%g,"holdVol":%g,"fundingRate":0.0003}}`,
			r.URL.Query().Get("symbol"), price, holdVol)
	})
	mux.HandleFunc("/api/v1/contract/detail", func(w http.ResponseWriter, r *http.Request) {
		if !detailOK {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"success":true,"code":0,"data":{"symbol":%q,"contractSize":%g}}`,
			r.URL.Query().Get("symbol"), size)
	})
	mux.HandleFunc("/api/v1/contract/funding_rate/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"code":0,"data":{"symbol":"X_USDT","fundingRate":0.0003,"nextSettleTime":1700000000000}}`)
	})
	return mux
}

// newTestAggregator wires real venue clients against httptest servers.
func newTestAggregator(t *testing.T, binance, bybit, mexc http.Handler) (*Aggregator, *cache.MemoryCache) {
	t.Helper()

	bs := httptest.NewServer(binance)
	ys := httptest.NewServer(bybit)
	ms := httptest.NewServer(mexc)
	t.Cleanup(bs.Close)
	t.Cleanup(ys.Close)
	t.Cleanup(ms.Close)

	reg := metrics.New(prometheus.NewRegistry())
	mem := cache.NewMemory(0, reg)
	t.Cleanup(func() { _ = mem.Close() })

	agg := NewAggregator(
		mem,
		NewBinance(bs.URL, 2*time.Second, reg),
		NewBybit(ys.URL, 2*time.Second, reg),
		NewMEXC(ms.URL, 2*time.Second, mem, reg),
		zerolog.Nop(),
		reg,
	)
	return agg, mem
}

func TestAggregatorNormalisesVenueOI(t *testing.T) {
	agg, _ := newTestAggregator(t,
		binanceHandler("10", "100", "0.0001", nil),
		bybitHandler("5", "100"),
		mexcHandler(20, 0.1, 100, true),
	)

	stats, err := agg.Stats(context.Background(), "BTC")
	require.NoError(t, err)

	assert.Equal(t, "BTC", stats.Symbol)
	assert.InDelta(t, 1700, stats.TotalOpenInterest, 1e-9)
	assert.InDelta(t, 100, stats.AvgPrice, 1e-9)

	require.Len(t, stats.Exchanges, 3)
	assert.Equal(t, "Binance", stats.Exchanges[0].Name)
	assert.InDelta(t, 1000, stats.Exchanges[0].OpenInterest, 1e-9)
	assert.Equal(t, "Bybit", stats.Exchanges[1].Name)
	assert.InDelta(t, 500, stats.Exchanges[1].OpenInterest, 1e-9)
	assert.Equal(t, "MEXC", stats.Exchanges[2].Name)
	assert.InDelta(t, 200, stats.Exchanges[2].OpenInterest, 1e-9)

	assert.InDelta(t, 0.0001, stats.Exchanges[0].FundingRate, 1e-12)
	assert.False(t, stats.Exchanges[0].NextFundingTime.IsZero())
}

func TestAggregatorOmitsFailingVenue(t *testing.T) {
	agg, _ := newTestAggregator(t,
		binanceHandler("10", "100", "0.0001", nil),
		failingHandler(),
		mexcHandler(20, 0.1, 100, true),
	)

	stats, err := agg.Stats(context.Background(), "BTC")
	require.NoError(t, err)
	require.Len(t, stats.Exchanges, 2)
	for _, ex := range stats.Exchanges {
		assert.NotEqual(t, "Bybit", ex.Name)
	}
	assert.InDelta(t, 1200, stats.TotalOpenInterest, 1e-9)
}

func TestAggregatorAllVenuesDown(t *testing.T) {
	agg, _ := newTestAggregator(t, failingHandler(), failingHandler(), failingHandler())

	_, err := agg.Stats(context.Background(), "BTC")
	require.ErrorIs(t, err, ErrNoData)
}

func TestStatsServedFromCache(t *testing.T) {
	var hits atomic.Int64
	agg, _ := newTestAggregator(t,
		binanceHandler("10", "100", "0.0001", &hits),
		bybitHandler("5", "100"),
		mexcHandler(20, 0.1, 100, true),
	)

	_, err := agg.Stats(context.Background(), "BTC")
	require.NoError(t, err)
	_, err = agg.Stats(context.Background(), "BTC")
	require.NoError(t, err)

	assert.Equal(t, int64(1), hits.Load())

	cached := agg.CachedStats(context.Background(), "BTC")
	require.NotNil(t, cached)
	assert.InDelta(t, 1700, cached.TotalOpenInterest, 1e-9)

	assert.Nil(t, agg.CachedStats(context.Background(), "DOGE"))
}

func TestMEXCContractSizeDefaultsToOne(t *testing.T) {
	agg, _ := newTestAggregator(t,
		failingHandler(),
		failingHandler(),
		mexcHandler(20, 0.1, 100, false), // detail endpoint down
	)

	stats, err := agg.Stats(context.Background(), "BTC")
	require.NoError(t, err)
	require.Len(t, stats.Exchanges, 1)
	// holdVol 20 x size 1 x price 100
	assert.InDelta(t, 2000, stats.Exchanges[0].OpenInterest, 1e-9)
}

func TestMEXCContractSizeCached(t *testing.T) {
	var detailHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/contract/detail", func(w http.ResponseWriter, r *http.Request) {
		detailHits.Add(1)
		fmt.Fprint(w, `{"success":true,"code":0,"data":{"symbol":"BTC_USDT","contractSize":0.5}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg := metrics.New(prometheus.NewRegistry())
	mem := cache.NewMemory(0, reg)
	defer mem.Close()

	mexc := NewMEXC(srv.URL, 2*time.Second, mem, reg)
	assert.InDelta(t, 0.5, mexc.contractSize(context.Background(), "BTC_USDT"), 1e-9)
	assert.InDelta(t, 0.5, mexc.contractSize(context.Background(), "BTC_USDT"), 1e-9)
	assert.Equal(t, int64(1), detailHits.Load())
}

func TestScanOISurges(t *testing.T) {
	// Single venue totalling 103,000,000 USD: 1,030,000 coins at 100.
	agg, mem := newTestAggregator(t,
		binanceHandler("1030000", "100", "0.0001", nil),
		failingHandler(),
		failingHandler(),
	)
	ctx := context.Background()

	require.NoError(t, mem.Set(ctx, "oi_last:SOL", []byte("100000000"), 0))

	surges := agg.ScanOISurges(ctx, []string{"SOL"}, 2.5)
	require.Len(t, surges, 1)
	assert.Equal(t, "SOL", surges[0].Symbol)
	assert.InDelta(t, 100_000_000, surges[0].PreviousOI, 1e-3)
	assert.InDelta(t, 103_000_000, surges[0].CurrentOI, 1e-3)
	assert.InDelta(t, 3.0, surges[0].PercentChange, 1e-9)
	assert.InDelta(t, 100, surges[0].Price, 1e-9)
	assert.True(t, surges[0].Increased())

	raw, ok, err := mem.Get(ctx, "oi_last:SOL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "103000000", string(raw))

	// Identical data on the next pass: no movement, no surge.
	surges = agg.ScanOISurges(ctx, []string{"SOL"}, 2.5)
	assert.Empty(t, surges)
}

func TestScanOISurgeBaselinePass(t *testing.T) {
	agg, mem := newTestAggregator(t,
		binanceHandler("1030000", "100", "0.0001", nil),
		failingHandler(),
		failingHandler(),
	)
	ctx := context.Background()

	surges := agg.ScanOISurges(ctx, []string{"SOL"}, 2.5)
	assert.Empty(t, surges)

	_, ok, err := mem.Get(ctx, "oi_last:SOL")
	require.NoError(t, err)
	assert.True(t, ok, "baseline snapshot must be written")
}

func TestScanOISurgeBelowThreshold(t *testing.T) {
	agg, mem := newTestAggregator(t,
		binanceHandler("1020000", "100", "0.0001", nil), // +2.0%
		failingHandler(),
		failingHandler(),
	)
	ctx := context.Background()

	require.NoError(t, mem.Set(ctx, "oi_last:SOL", []byte("100000000"), 0))
	assert.Empty(t, agg.ScanOISurges(ctx, []string{"SOL"}, 2.5))

	raw, _, _ := mem.Get(ctx, "oi_last:SOL")
	assert.Equal(t, "102000000", string(raw), "snapshot advances even without a surge")
}

func TestTopFundingRanksByMagnitude(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/premiumIndex", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"symbol":"BTCUSDT","markPrice":"50000","lastFundingRate":"0.0001","nextFundingTime":1700000000000},
			{"symbol":"ETHUSDT","markPrice":"3000","lastFundingRate":"-0.0005","nextFundingTime":1700000000000},
			{"symbol":"SOLUSDT","markPrice":"150","lastFundingRate":"0.0002","nextFundingTime":1700000000000},
			{"symbol":"BTCUSD_PERP","markPrice":"50000","lastFundingRate":"0.01","nextFundingTime":1700000000000}]`)
	})
	agg, _ := newTestAggregator(t, mux, failingHandler(), failingHandler())

	top, err := agg.TopFunding(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "ETH", top[0].Symbol)
	assert.InDelta(t, -0.0005, top[0].Rate, 1e-12)
	assert.Equal(t, "SOL", top[1].Symbol)

	rates, err := agg.FundingMap(context.Background())
	require.NoError(t, err)
	assert.Len(t, rates, 3, "non-USDT contracts are excluded")
	assert.InDelta(t, 0.0001, rates["BTC"], 1e-12)
}

func TestLongShortRatio(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/topLongShortAccountRatio", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1h", r.URL.Query().Get("period"))
		fmt.Fprint(w, `[{"symbol":"BTCUSDT","longShortRatio":"2.15","longAccount":"0.6825","shortAccount":"0.3175","timestamp":1700000000000}]`)
	})
	agg, _ := newTestAggregator(t, mux, failingHandler(), failingHandler())

	ratio, err := agg.LongShortRatio(context.Background(), "btc", "")
	require.NoError(t, err)
	assert.Equal(t, "BTC", ratio.Symbol)
	assert.InDelta(t, 2.15, ratio.Ratio, 1e-9)
	assert.InDelta(t, 68.25, ratio.LongPct, 1e-9)
	assert.InDelta(t, 31.75, ratio.ShortPct, 1e-9)
}

func TestUpstreamErrorClassification(t *testing.T) {
	srv := httptest.NewServer(failingHandler())
	defer srv.Close()

	reg := metrics.New(prometheus.NewRegistry())
	c := NewBinance(srv.URL, 2*time.Second, reg)

	_, err := c.Quote(context.Background(), "BTC")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstream))
}

func TestParseFloatToleratesGarbage(t *testing.T) {
	assert.Equal(t, 0.0, parseFloat(""))
	assert.Equal(t, 0.0, parseFloat("not-a-number"))
	assert.Equal(t, 42.5, parseFloat("42.5"))
}
