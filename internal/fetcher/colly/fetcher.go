// Package collyfetcher implements webmention.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-listener/internal/metrics"
	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// InsecureTLS disables certificate verification for every outbound request.
	InsecureTLS  bool
	MaxBodyBytes int
}

// Limiter gates outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements webmention.Fetcher using the Colly collector.
type Fetcher struct {
	baseCollector *colly.Collector
	limiter       Limiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Limiter, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	// Clones share the base backend, so its http.Client is only touched here.
	c.WithTransport(newHTTPTransport(cfg.InsecureTLS))
	c.SetRequestTimeout(cfg.Timeout)
	c.DisableCookies()
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}

	return &Fetcher{
		baseCollector: c,
		limiter:       limiter,
		logger:        logger,
	}
}

// CheckReachable issues a HEAD request. Transport failures map to 404.
func (f *Fetcher) CheckReachable(ctx context.Context, url string) int {
	resp, err := f.do(ctx, http.MethodHead, url)
	if err != nil {
		f.logger.Debug("head request failed", zap.String("url", url), zap.Error(err))
		metrics.ObserveFetch(http.MethodHead, http.StatusNotFound, 0)
		return http.StatusNotFound
	}
	metrics.ObserveFetch(http.MethodHead, resp.StatusCode, 0)
	return resp.StatusCode
}

// FetchBody executes a GET and returns status, headers and body.
// When the response declares a charset the body is also exposed as UTF-8 text.
func (f *Fetcher) FetchBody(ctx context.Context, url string) (webmention.FetchResponse, error) {
	resp, err := f.do(ctx, http.MethodGet, url)
	if err != nil {
		metrics.ObserveFetch(http.MethodGet, 0, 0)
		return webmention.FetchResponse{}, err
	}
	metrics.ObserveFetch(http.MethodGet, resp.StatusCode, len(resp.Body))
	return resp, nil
}

func (f *Fetcher) do(ctx context.Context, method, url string) (webmention.FetchResponse, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return webmention.FetchResponse{}, fmt.Errorf("rate limit: %w", err)
		}
	}
	var (
		result   webmention.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, start, &result, &fetchErr)

	visit := collector.Visit
	if method == http.MethodHead {
		visit = collector.Head
	}
	if err := f.runCollector(ctx, visit, url, &fetchErr); err != nil {
		return webmention.FetchResponse{}, err
	}
	if result.StatusCode == 0 {
		return webmention.FetchResponse{}, errors.New("colly returned no response")
	}
	f.logger.Debug("fetched",
		zap.String("method", method),
		zap.String("url", url),
		zap.String("host", metrics.SanitizeSite(url)),
		zap.Int("status", result.StatusCode),
		zap.Int("bytes", len(result.Body)),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *webmention.FetchResponse,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = toFetchResponse(r, time.Since(start))
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func toFetchResponse(r *colly.Response, elapsed time.Duration) webmention.FetchResponse {
	var headers http.Header
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	contentType := headers.Get("Content-Type")
	body := append([]byte(nil), r.Body...)
	resp := webmention.FetchResponse{
		StatusCode:  r.StatusCode,
		Headers:     headers,
		Body:        body,
		ContentType: contentType,
		Duration:    elapsed,
	}
	if r.Request != nil && r.Request.URL != nil {
		resp.URL = r.Request.URL.String()
	}
	// colly has already converted declared charsets to UTF-8.
	if declaresCharset(contentType) {
		resp.HasCharset = true
		resp.Text = string(body)
	}
	return resp
}

func declaresCharset(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "charset")
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	visit func(string) error,
	url string,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		done <- visit(url)
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

func newHTTPTransport(insecure bool) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// #nosec G402 -- opt-in via http.insecure_tls for self-signed indieweb sites.
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecure, MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
