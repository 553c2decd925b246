package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rektwatch/rektwatch/internal/metrics"
)

const binanceBaseURL = "https://fapi.binance.com"

// BinanceClient talks to the Binance USD-M futures REST API.
type BinanceClient struct {
	*venueClient
}

// NewBinance builds a Binance client. baseURL is overridable for tests;
// empty means production.
func NewBinance(baseURL string, timeout time.Duration, reg *metrics.Registry) *BinanceClient {
	if baseURL == "" {
		baseURL = binanceBaseURL
	}
	return &BinanceClient{newVenueClient("binance", baseURL, timeout, 10, 20, reg)}
}

func (c *BinanceClient) symbol(base string) string {
	return strings.ToUpper(base) + "USDT"
}

// Quote returns the venue's normalised view of one base symbol. Open
// interest arrives in coin units and is converted to USD with the last
// price. Funding fields are best-effort and default to zero.
func (c *BinanceClient) Quote(ctx context.Context, base string) (*Exchange, error) {
	sym := c.symbol(base)

	var oi binanceOpenInterest
	if err := c.getJSON(ctx, "/fapi/v1/openInterest?symbol="+sym, &oi); err != nil {
		return nil, err
	}
	var tick binancePrice
	if err := c.getJSON(ctx, "/fapi/v1/ticker/price?symbol="+sym, &tick); err != nil {
		return nil, err
	}

	price := parseFloat(tick.Price)
	ex := &Exchange{
		Name:         "Binance",
		Price:        price,
		OpenInterest: parseFloat(oi.OpenInterest) * price,
		URL:          "https://www.binance.com/en/futures/" + sym,
	}

	if prem, err := c.PremiumIndex(ctx, base); err == nil {
		ex.FundingRate = prem.Rate
		ex.NextFundingTime = prem.NextFunding
	}
	return ex, nil
}

// PremiumIndex returns the current funding data for one symbol.
func (c *BinanceClient) PremiumIndex(ctx context.Context, base string) (*FundingEntry, error) {
	var res binancePremiumIndex
	if err := c.getJSON(ctx, "/fapi/v1/premiumIndex?symbol="+c.symbol(base), &res); err != nil {
		return nil, err
	}
	return premiumToEntry(res), nil
}

// AllPremiumIndex returns funding data for every listed contract.
func (c *BinanceClient) AllPremiumIndex(ctx context.Context) ([]FundingEntry, error) {
	var res []binancePremiumIndex
	if err := c.getJSON(ctx, "/fapi/v1/premiumIndex", &res); err != nil {
		return nil, err
	}
	entries := make([]FundingEntry, 0, len(res))
	for _, p := range res {
		if !strings.HasSuffix(p.Symbol, "USDT") {
			continue
		}
		entries = append(entries, *premiumToEntry(p))
	}
	return entries, nil
}

// TopLongShortRatio returns the most recent top-trader account ratio.
func (c *BinanceClient) TopLongShortRatio(ctx context.Context, base, period string) (*LongShortRatio, error) {
	path := fmt.Sprintf("/fapi/v1/topLongShortAccountRatio?symbol=%s&period=%s&limit=1", c.symbol(base), period)

	var res []binanceLongShortRatio
	if err := c.getJSON(ctx, path, &res); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("binance: long/short ratio for %s: %w", base, ErrNoData)
	}
	last := res[len(res)-1]
	return &LongShortRatio{
		Symbol:    strings.ToUpper(base),
		Ratio:     parseFloat(last.LongShortRatio),
		LongPct:   parseFloat(last.LongAccount) * 100,
		ShortPct:  parseFloat(last.ShortAccount) * 100,
		Timestamp: time.UnixMilli(last.Timestamp).UTC(),
	}, nil
}

// TradingSymbols returns the set of contracts currently in TRADING state.
// Used at startup to warn about stale entries in the baked-in universe.
func (c *BinanceClient) TradingSymbols(ctx context.Context) (map[string]bool, error) {
	var res binanceExchangeInfo
	if err := c.getJSON(ctx, "/fapi/v1/exchangeInfo", &res); err != nil {
		return nil, err
	}
	active := make(map[string]bool, len(res.Symbols))
	for _, s := range res.Symbols {
		if s.Status == "TRADING" {
			active[s.Symbol] = true
		}
	}
	return active, nil
}

func premiumToEntry(p binancePremiumIndex) *FundingEntry {
	e := &FundingEntry{
		Symbol:    strings.TrimSuffix(p.Symbol, "USDT"),
		Rate:      parseFloat(p.LastFundingRate),
		MarkPrice: parseFloat(p.MarkPrice),
	}
	if p.NextFundingTime > 0 {
		e.NextFunding = time.UnixMilli(p.NextFundingTime).UTC()
	}
	return e
}

// API response structures

type binanceOpenInterest struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

type binancePrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type binancePremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

type binanceLongShortRatio struct {
	Symbol         string `json:"symbol"`
	LongShortRatio string `json:"longShortRatio"`
	LongAccount    string `json:"longAccount"`
	ShortAccount   string `json:"shortAccount"`
	Timestamp      int64  `json:"timestamp"`
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		ContractType string `json:"contractType"`
	} `json:"symbols"`
}
