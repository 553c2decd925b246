package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rektwatch/rektwatch/internal/cache"
	"github.com/rektwatch/rektwatch/internal/metrics"
)

const (
	mexcBaseURL = "https://contract.mexc.com"

	// Contract sizes barely ever change; refetch daily.
	contractSizeTTL = 24 * time.Hour
	keyContractSize = "mexc_csize:"
)

// MEXCClient talks to the MEXC contract REST API. Unlike Binance and
// Bybit, MEXC reports open interest as a contract count (holdVol), so
// USD conversion needs the per-contract size from the detail endpoint.
type MEXCClient struct {
	*venueClient
	cache cache.Cache
}

func NewMEXC(baseURL string, timeout time.Duration, c cache.Cache, reg *metrics.Registry) *MEXCClient {
	if baseURL == "" {
		baseURL = mexcBaseURL
	}
	return &MEXCClient{
		venueClient: newVenueClient("mexc", baseURL, timeout, 5, 10, reg),
		cache:       c,
	}
}

func (c *MEXCClient) symbol(base string) string {
	return strings.ToUpper(base) + "_USDT"
}

// Quote returns MEXC's normalised view of one base symbol:
// holdVol (contracts) x contractSize x lastPrice.
func (c *MEXCClient) Quote(ctx context.Context, base string) (*Exchange, error) {
	sym := c.symbol(base)

	var res mexcTicker
	if err := c.getJSON(ctx, "/api/v1/contract/ticker?symbol="+sym, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("mexc: ticker %s: code %d: %w", sym, res.Code, ErrUpstream)
	}

	size := c.contractSize(ctx, sym)
	ex := &Exchange{
		Name:         "MEXC",
		Price:        res.Data.LastPrice,
		FundingRate:  res.Data.FundingRate,
		OpenInterest: res.Data.HoldVol * size * res.Data.LastPrice,
		URL:          "https://futures.mexc.com/exchange/" + sym,
	}

	if fr, err := c.FundingRate(ctx, base); err == nil {
		ex.FundingRate = fr.Rate
		ex.NextFundingTime = fr.NextFunding
	}
	return ex, nil
}

// FundingRate returns the current funding rate and next settlement time.
func (c *MEXCClient) FundingRate(ctx context.Context, base string) (*FundingEntry, error) {
	sym := c.symbol(base)

	var res mexcFundingRate
	if err := c.getJSON(ctx, "/api/v1/contract/funding_rate/"+sym, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("mexc: funding %s: code %d: %w", sym, res.Code, ErrUpstream)
	}

	entry := &FundingEntry{
		Symbol: strings.ToUpper(base),
		Rate:   res.Data.FundingRate,
	}
	if res.Data.NextSettleTime > 0 {
		entry.NextFunding = time.UnixMilli(res.Data.NextSettleTime).UTC()
	}
	return entry, nil
}

// contractSize resolves the USD multiplier for one contract, cached for a
// day. Any failure falls back to 1 so a flaky detail endpoint degrades
// the OI estimate instead of dropping the venue.
func (c *MEXCClient) contractSize(ctx context.Context, sym string) float64 {
	raw, err := c.cache.GetOrFetch(ctx, keyContractSize+sym, contractSizeTTL, func(ctx context.Context) ([]byte, error) {
		var res mexcContractDetail
		if err := c.getJSON(ctx, "/api/v1/contract/detail?symbol="+sym, &res); err != nil {
			return nil, err
		}
		if !res.Success || res.Data.ContractSize <= 0 {
			return nil, fmt.Errorf("mexc: detail %s: code %d: %w", sym, res.Code, ErrUpstream)
		}
		return []byte(strconv.FormatFloat(res.Data.ContractSize, 'f', -1, 64)), nil
	})
	if err != nil {
		return 1
	}
	size, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || size <= 0 {
		return 1
	}
	return size
}

// API response structures. The contract API returns raw JSON numbers,
// not the string numerics Binance and Bybit use.

type mexcTicker struct {
	Success bool `json:"success"`
	Code    int  `json:"code"`
	Data    struct {
		Symbol      string  `json:"symbol"`
		LastPrice   float64 `json:"lastPrice"`
		HoldVol     float64 `json:"holdVol"`
		FundingRate float64 `json:"fundingRate"`
		Timestamp   int64   `json:"timestamp"`
	} `json:"data"`
}

type mexcFundingRate struct {
	Success bool `json:"success"`
	Code    int  `json:"code"`
	Data    struct {
		Symbol         string  `json:"symbol"`
		FundingRate    float64 `json:"fundingRate"`
		NextSettleTime int64   `json:"nextSettleTime"`
	} `json:"data"`
}

type mexcContractDetail struct {
	Success bool `json:"success"`
	Code    int  `json:"code"`
	Data    struct {
		Symbol       string  `json:"symbol"`
		ContractSize float64 `json:"contractSize"`
	} `json:"data"`
}
