// Package pricing turns byte counts into winston costs and USDC quotes.
// The gateway supplies the byte price; a fiat oracle supplies the AR/USD
// rate with an in-process cache.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Oracle caches the AR/USD rate fetched from a coingecko-style endpoint.
type Oracle struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	group      singleflight.Group

	mu        sync.RWMutex
	rate      float64
	fetchedAt time.Time
}

// NewOracle creates a rate oracle. ttl bounds how long a fetched rate is
// reused.
func NewOracle(url string, ttl time.Duration) *Oracle {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Oracle{
		url:        url,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// ARUSD returns the cached AR/USD rate, fetching upstream on expiry.
// Concurrent misses coalesce into one upstream call.
func (o *Oracle) ARUSD(ctx context.Context) (float64, error) {
	o.mu.RLock()
	rate, fetchedAt := o.rate, o.fetchedAt
	o.mu.RUnlock()
	if rate > 0 && time.Since(fetchedAt) < o.ttl {
		return rate, nil
	}

	value, err, _ := o.group.Do("ar-usd", func() (any, error) {
		// Another caller may have refreshed while we waited on the
		// flight.
		o.mu.RLock()
		rate, fetchedAt := o.rate, o.fetchedAt
		o.mu.RUnlock()
		if rate > 0 && time.Since(fetchedAt) < o.ttl {
			return rate, nil
		}

		fetched, err := o.fetch(ctx)
		if err != nil {
			return 0.0, err
		}

		o.mu.Lock()
		o.rate = fetched
		o.fetchedAt = time.Now()
		o.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return 0, err
	}
	return value.(float64), nil
}

func (o *Oracle) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("price oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("price oracle returned %d: %s", resp.StatusCode, string(body))
	}

	// Coingecko shape: {"arweave": {"usd": 6.42}}.
	var payload map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("failed to decode price oracle response: %w", err)
	}

	rate := payload["arweave"]["usd"]
	if rate <= 0 {
		return 0, fmt.Errorf("price oracle returned no usable AR/USD rate")
	}
	return rate, nil
}
