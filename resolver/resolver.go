// Package resolver maps scanned barcodes to ordered test types through
// the laboratory information system REST API.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nombers/test-sorter/config"
	"github.com/nombers/test-sorter/errors"
	"github.com/nombers/test-sorter/inventory"
	"github.com/nombers/test-sorter/metric"
	"github.com/nombers/test-sorter/pkg/cache"
	"github.com/nombers/test-sorter/pkg/retry"
	"github.com/nombers/test-sorter/pkg/tlsutil"
)

// Resolver maps barcodes to the test types ordered for them. Every input
// barcode appears in the result; a lookup that cannot be completed maps
// to inventory.TypeError so the tube is held back instead of missorted.
type Resolver interface {
	ResolveBatch(ctx context.Context, barcodes []string) map[string]inventory.TestType
}

// maxResponseBytes bounds a single LIS response body.
const maxResponseBytes = 1 << 20

// tubeInfo is the LIS answer for one tube.
type tubeInfo struct {
	Tests []string `json:"tests"`
}

// HTTPResolver queries the LIS with bounded concurrency and sustained
// request rate, so a full-pallet batch cannot flood the lab network.
// Resolved types are cached so a rescanned tube skips the network.
type HTTPResolver struct {
	baseURL string
	apiKey  string
	workers int
	client  *http.Client
	limiter *rate.Limiter
	cache   *cache.TTL[inventory.TestType]
	logger  *slog.Logger
	metrics *metric.CoreMetrics
}

var _ Resolver = (*HTTPResolver)(nil)

// NewHTTPResolver builds a resolver for the configured LIS endpoint.
func NewHTTPResolver(cfg config.LISConfig, logger *slog.Logger, metrics *metric.CoreMetrics) (*HTTPResolver, error) {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Workers)
	}

	client := &http.Client{Timeout: cfg.RequestTimeout.Duration}
	if cfg.TLS.Configured() {
		tlsConfig, err := tlsutil.ClientTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	var resolved *cache.TTL[inventory.TestType]
	if cfg.CacheTTL.Duration > 0 {
		resolved = cache.NewTTL[inventory.TestType](cfg.CacheTTL.Duration)
	}

	return &HTTPResolver{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		workers: cfg.Workers,
		client:  client,
		limiter: limiter,
		cache:   resolved,
		logger:  logger.With("component", "resolver"),
		metrics: metrics,
	}, nil
}

// Close stops the cache janitor. The resolver itself holds no
// connections open.
func (r *HTTPResolver) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

// ResolveBatch looks up every barcode concurrently and returns a complete
// map. Duplicate and empty barcodes are collapsed before the fan-out.
func (r *HTTPResolver) ResolveBatch(ctx context.Context, barcodes []string) map[string]inventory.TestType {
	results := make(map[string]inventory.TestType, len(barcodes))
	if len(barcodes) == 0 {
		return results
	}

	started := time.Now()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	seen := make(map[string]struct{}, len(barcodes))
	for _, barcode := range barcodes {
		if barcode == "" {
			continue
		}
		if _, dup := seen[barcode]; dup {
			continue
		}
		seen[barcode] = struct{}{}

		g.Go(func() error {
			tt := r.resolveOne(gctx, barcode)
			mu.Lock()
			results[barcode] = tt
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("test types resolved",
		"barcodes", len(seen),
		"elapsed", time.Since(started))
	return results
}

func (r *HTTPResolver) resolveOne(ctx context.Context, barcode string) inventory.TestType {
	if r.cache != nil {
		if tt, ok := r.cache.Get(barcode); ok {
			r.record("cache")
			return tt
		}
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			r.record("cancelled")
			return inventory.TypeError
		}
	}

	started := time.Now()
	tests, err := retry.DoWithResult(ctx, retry.Quick(), func() ([]string, error) {
		return r.fetchTests(ctx, barcode)
	})
	if r.metrics != nil {
		r.metrics.RecordResolverDuration(time.Since(started))
	}
	if err != nil {
		r.logger.Warn("lookup failed, tube will be held back",
			"barcode", barcode, "error", err)
		r.record("error")
		return inventory.TypeError
	}

	r.record("ok")
	tt := inventory.ClassifyTests(tests)
	r.logger.Debug("barcode resolved", "barcode", barcode, "type", tt)

	// Failed lookups are not cached; the next cycle retries them.
	if r.cache != nil {
		_ = r.cache.Set(barcode, tt)
	}
	return tt
}

// fetchTests performs one GET {base}/tube/{barcode}. Transport faults and
// 5xx answers are retryable; everything else fails the lookup outright.
func (r *HTTPResolver) fetchTests(ctx context.Context, barcode string) ([]string, error) {
	reqURL := r.baseURL + "/tube/" + url.PathEscape(barcode)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, retry.NonRetryable(err)
	}
	req.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		statusErr := fmt.Errorf("%w: status %d", errors.ErrResolveFailed, resp.StatusCode)
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, statusErr
		}
		return nil, retry.NonRetryable(statusErr)
	}

	var info tubeInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&info); err != nil {
		return nil, retry.NonRetryable(fmt.Errorf("%w: %v", errors.ErrResolveFailed, err))
	}
	return info.Tests, nil
}

func (r *HTTPResolver) record(result string) {
	if r.metrics != nil {
		r.metrics.RecordResolverRequest(result)
	}
}
