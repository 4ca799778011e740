// Package linkback confirms that a source document links to a target.
package linkback

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-listener/internal/microformats"
	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// Verifier scans source documents for outbound references.
type Verifier struct {
	fetcher webmention.Fetcher
	logger  *zap.Logger
}

// New builds a Verifier on top of fetcher.
func New(fetcher webmention.Fetcher, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{fetcher: fetcher, logger: logger}
}

// FindOutboundRefs fetches source and returns every href it contains, both
// as written and resolved against the source URL.
func (v *Verifier) FindOutboundRefs(ctx context.Context, source string) (map[string]struct{}, error) {
	resp, err := v.fetcher.FetchBody(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("fetch source: unexpected status %d", resp.StatusCode)
	}
	data := microformats.ParseResponse(resp, source)
	refs := make(map[string]struct{}, len(data.Links))
	for _, link := range data.Links {
		refs[link] = struct{}{}
	}
	return refs, nil
}

// ConfirmBackReference reports whether source currently links to target.
// A page never confirms a mention of itself, and any fetch failure is a no.
func (v *Verifier) ConfirmBackReference(ctx context.Context, source, target string) bool {
	if source == target {
		return false
	}
	refs, err := v.FindOutboundRefs(ctx, source)
	if err != nil {
		v.logger.Warn("source scan failed", zap.String("source", source), zap.Error(err))
		return false
	}
	_, ok := refs[target]
	v.logger.Debug("back reference check",
		zap.String("source", source),
		zap.String("target", target),
		zap.Int("refs", len(refs)),
		zap.Bool("found", ok),
	)
	return ok
}
