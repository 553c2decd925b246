package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rektwatch/rektwatch/internal/metrics"
)

const bybitBaseURL = "https://api.bybit.com"

// BybitClient talks to the Bybit v5 REST API (linear category only).
type BybitClient struct {
	*venueClient
}

func NewBybit(baseURL string, timeout time.Duration, reg *metrics.Registry) *BybitClient {
	if baseURL == "" {
		baseURL = bybitBaseURL
	}
	return &BybitClient{newVenueClient("bybit", baseURL, timeout, 5, 10, reg)}
}

func (c *BybitClient) symbol(base string) string {
	return strings.ToUpper(base) + "USDT"
}

// Quote returns Bybit's normalised view of one base symbol. Linear-contract
// open interest arrives in coin units and is converted with the last price.
func (c *BybitClient) Quote(ctx context.Context, base string) (*Exchange, error) {
	sym := c.symbol(base)

	var res bybitTickers
	if err := c.getJSON(ctx, "/v5/market/tickers?category=linear&symbol="+sym, &res); err != nil {
		return nil, err
	}
	if res.RetCode != 0 {
		return nil, fmt.Errorf("bybit: tickers %s: code %d %s: %w", sym, res.RetCode, res.RetMsg, ErrUpstream)
	}
	if len(res.Result.List) == 0 {
		return nil, fmt.Errorf("bybit: no ticker for %s: %w", sym, ErrNoData)
	}

	t := res.Result.List[0]
	price := parseFloat(t.LastPrice)
	ex := &Exchange{
		Name:         "Bybit",
		Price:        price,
		FundingRate:  parseFloat(t.FundingRate),
		OpenInterest: parseFloat(t.OpenInterest) * price,
		URL:          "https://www.bybit.com/trade/usdt/" + sym,
	}
	if ms, err := strconv.ParseInt(t.NextFundingTime, 10, 64); err == nil && ms > 0 {
		ex.NextFundingTime = time.UnixMilli(ms).UTC()
	}
	return ex, nil
}

// API response structures

type bybitTickers struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string `json:"category"`
		List     []struct {
			Symbol          string `json:"symbol"`
			LastPrice       string `json:"lastPrice"`
			FundingRate     string `json:"fundingRate"`
			NextFundingTime string `json:"nextFundingTime"`
			OpenInterest    string `json:"openInterest"`
			OpenInterestUSD string `json:"openInterestValue"`
		} `json:"list"`
	} `json:"result"`
}
