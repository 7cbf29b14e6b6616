// Package collyfetcher implements collector.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/JakeFAU/bgm-collector/internal/collector"
	"github.com/JakeFAU/bgm-collector/internal/metrics"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 64 << 20
	defaultBackoff     = 30 * time.Second
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	ProxyURL     string
	MaxIdleConns int
	MaxBodySize  int
	// Headers are sent with every request before per-request headers.
	Headers http.Header
}

// Pacer throttles requests per host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
	Backoff(rawURL string, d time.Duration)
}

// Fetcher implements collector.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	pacer         Pacer
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. pacer may be nil.
func New(cfg Config, pacer Pacer) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	transport, err := newHTTPTransport(cfg)
	if err != nil {
		return nil, err
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.MaxBodySize(cfg.MaxBodySize),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
	)
	c.WithTransport(otelhttp.NewTransport(transport))
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{cfg: cfg, pacer: pacer, baseCollector: c}, nil
}

// Fetch executes a single HTTP GET. Non-2xx answers are returned as responses,
// not errors; the response URL is the one reached after redirects.
func (f *Fetcher) Fetch(ctx context.Context, request collector.FetchRequest) (collector.FetchResponse, error) {
	if f.pacer != nil {
		if err := f.pacer.Wait(ctx, request.URL); err != nil {
			return collector.FetchResponse{}, err
		}
	}
	var (
		result   collector.FetchResponse
		fetchErr error
	)
	c := f.buildCollector(request, time.Now(), &result, &fetchErr)
	if err := f.runCollector(ctx, c, request.URL, &fetchErr); err != nil {
		metrics.ObserveFetch(request.URL, "error", 0)
		return collector.FetchResponse{}, err
	}
	metrics.ObserveFetch(request.URL, strconv.Itoa(result.StatusCode), len(result.Body))

	if f.pacer != nil && (result.StatusCode == http.StatusTooManyRequests || result.StatusCode == http.StatusServiceUnavailable) {
		f.pacer.Backoff(request.URL, retryAfter(result.Headers))
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request collector.FetchRequest,
	start time.Time,
	result *collector.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	c := f.baseCollector.Clone()
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	f.configureCollectorHooks(c, request, start, result, fetchErr)
	return c
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request collector.FetchRequest,
	start time.Time,
	result *collector.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(f.cfg.Headers, r)
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		finalURL := request.URL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = collector.FetchResponse{
			URL:        finalURL,
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, c *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(src http.Header, r *colly.Request) {
	for key, values := range src {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return defaultBackoff
	}
	if secs, err := strconv.Atoi(h.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultBackoff
}

func newHTTPTransport(cfg Config) (*http.Transport, error) {
	proxy := http.ProxyFromEnvironment
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", cfg.ProxyURL)
		}
		proxy = http.ProxyURL(u)
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       90 * time.Second,
	}, nil
}

var _ collector.Fetcher = (*Fetcher)(nil)
