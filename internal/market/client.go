// Package market aggregates perpetual-futures open interest and funding
// data across venues, normalised to USD notional.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rektwatch/rektwatch/internal/metrics"
)

// Some venues reject default Go user agents outright.
const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const maxBodyBytes = 4 << 20

var (
	// ErrUpstream marks a non-2xx venue response.
	ErrUpstream = errors.New("upstream error")
	// ErrNoData means every venue failed for the requested symbol.
	ErrNoData = errors.New("no venue data")
)

// venueClient is the shared HTTP plumbing for one venue: a token bucket,
// a circuit breaker, and a bounded-timeout client.
type venueClient struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	reg     *metrics.Registry
}

func newVenueClient(name, baseURL string, timeout time.Duration, rps float64, burst int, reg *metrics.Registry) *venueClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &venueClient{
		name:    name,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		reg: reg,
	}
}

// getJSON fetches baseURL+path and decodes the body into out.
func (c *venueClient) getJSON(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit: %w", c.name, err)
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, path)
	})
	c.reg.RecordVenueRequest(c.name, err)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return fmt.Errorf("%s: decode %s: %w", c.name, path, err)
	}
	return nil
}

func (c *venueClient) fetch(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.name, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", c.name, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read %s: %w", c.name, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %s: status %d: %w", c.name, path, resp.StatusCode, ErrUpstream)
	}
	return body, nil
}

// parseFloat tolerates the string-typed numerics venue APIs return.
// Missing or malformed values become 0 rather than an error.
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
