// Package vouch decides whether a third-party vouch domain is trusted.
package vouch

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-listener/internal/metrics"
	"github.com/JakeFAU/indieweb-listener/internal/microformats"
	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// Rel values a domain must advertise before it is trusted.
const (
	RelWebmention    = "webmention"
	RelAuthorization = "authorization_endpoint"
)

// Validator checks the allow-list and bootstraps trust by probing endpoints.
type Validator struct {
	allowList *AllowList
	fetcher   webmention.Fetcher
	rejected  *gocache.Cache
	logger    *zap.Logger
}

// Option customizes a Validator.
type Option func(*Validator)

// WithNegativeCache remembers failed probes for ttl. A zero ttl disables caching.
func WithNegativeCache(ttl time.Duration) Option {
	return func(v *Validator) {
		if ttl > 0 {
			v.rejected = gocache.New(ttl, 2*ttl)
		}
	}
}

// WithLogger sets the validator's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewValidator builds a Validator.
func NewValidator(allowList *AllowList, fetcher webmention.Fetcher, opts ...Option) *Validator {
	v := &Validator{
		allowList: allowList,
		fetcher:   fetcher,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// IsVouched reports whether domain is trusted. Listed domains return true
// without touching the network. Otherwise the domain must advertise both a
// webmention endpoint and an authorization endpoint, after which it is added
// to the allow-list.
func (v *Validator) IsVouched(ctx context.Context, domain string) bool {
	key := Normalize(domain)
	if key == "" {
		return false
	}
	logger := v.logger.With(zap.String("vouch", key))

	listed, err := v.allowList.Contains(key)
	if err != nil {
		logger.Warn("allow-list read failed", zap.Error(err))
	}
	if listed {
		metrics.ObserveVouchProbe("allowlisted")
		return true
	}
	if v.rejected != nil {
		if _, found := v.rejected.Get(key); found {
			metrics.ObserveVouchProbe("cached")
			return false
		}
	}

	probeURL := probeTarget(key)
	if !v.advertises(ctx, probeURL, RelWebmention) {
		logger.Info("vouch domain has no webmention endpoint")
		v.reject(key)
		return false
	}
	if !v.advertises(ctx, probeURL, RelAuthorization) {
		logger.Info("vouch domain has no authorization endpoint")
		v.reject(key)
		return false
	}

	if err := v.allowList.Add(key); err != nil {
		logger.Error("allow-list append failed", zap.Error(err))
	}
	metrics.ObserveVouchProbe("probed")
	logger.Info("vouch domain trusted")
	return true
}

func (v *Validator) advertises(ctx context.Context, pageURL, rel string) bool {
	resp, err := v.fetcher.FetchBody(ctx, pageURL)
	if err != nil {
		v.logger.Debug("vouch probe failed", zap.String("url", pageURL), zap.String("rel", rel), zap.Error(err))
		return false
	}
	if !resp.OK() {
		return false
	}
	return microformats.DiscoverEndpoint(resp, pageURL, rel) != ""
}

func (v *Validator) reject(key string) {
	metrics.ObserveVouchProbe("rejected")
	if v.rejected != nil {
		v.rejected.SetDefault(key, struct{}{})
	}
}

// probeTarget turns a bare domain into the URL that is probed.
func probeTarget(domain string) string {
	if strings.Contains(domain, "://") {
		return domain
	}
	return "https://" + domain
}
