// Package mention runs the verification protocol for inbound webmentions
// and persists the ones that pass.
package mention

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-listener/internal/events"
	"github.com/JakeFAU/indieweb-listener/internal/metrics"
	"github.com/JakeFAU/indieweb-listener/internal/microformats"
	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// Claim outcome labels reported to metrics.
const (
	outcomeAccepted      = "accepted"
	outcomeOutsideSite   = "outside_site"
	outcomeUnreachable   = "target_unreachable"
	outcomeNoBacklink    = "no_backlink"
	outcomeVouchMissing  = "vouch_missing"
	outcomeVouchRejected = "vouch_rejected"
	outcomeSourceFailed  = "source_failed"
	outcomeError         = "error"
)

// Config holds recorder policy.
type Config struct {
	// SiteBaseURL is the namespace every target must live under.
	SiteBaseURL string
	// RequireVouch rejects claims that do not carry a trusted vouch domain.
	RequireVouch bool
	// VouchedDefault is recorded when vouching is optional and no domain was sent.
	VouchedDefault bool
}

// Deps are the collaborators the recorder drives. Fetcher, Verifier, Vouch,
// Records, Hasher and Clock are required.
type Deps struct {
	Fetcher  webmention.Fetcher
	Verifier webmention.BackReferenceConfirmer
	Vouch    webmention.VouchChecker
	Records  webmention.RecordStore
	Snippets webmention.SnippetWriter
	Mirrors  []webmention.Mirror
	Events   webmention.EventDispatcher
	Audit    webmention.AuditLog
	Hasher   webmention.Hasher
	Clock    webmention.Clock
}

// Recorder implements webmention.Submitter.
type Recorder struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New constructs a Recorder.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("mention recorder requires a fetcher")
	case deps.Verifier == nil:
		return nil, fmt.Errorf("mention recorder requires a back-reference verifier")
	case deps.Vouch == nil:
		return nil, fmt.Errorf("mention recorder requires a vouch checker")
	case deps.Records == nil:
		return nil, fmt.Errorf("mention recorder requires a record store")
	case deps.Hasher == nil:
		return nil, fmt.Errorf("mention recorder requires a hasher")
	case deps.Clock == nil:
		return nil, fmt.Errorf("mention recorder requires a clock")
	}
	return &Recorder{cfg: cfg, deps: deps, logger: logger}, nil
}

// Accepts reports whether target lies inside the site namespace. The HTTP
// layer uses it to reject claims before queueing them.
func (r *Recorder) Accepts(target string) bool {
	return webmention.IsWithin(r.cfg.SiteBaseURL, target)
}

// Submit verifies claim and, when it holds, persists the mention.
// Rejections are reported through the Outcome; the error is non-nil only
// when persisting an accepted mention fails.
func (r *Recorder) Submit(ctx context.Context, claim webmention.Claim) (webmention.Outcome, error) {
	claim.Source = strings.TrimSpace(claim.Source)
	claim.Target = strings.TrimSpace(claim.Target)
	claim.Vouch = strings.TrimSpace(claim.Vouch)
	logger := r.logger.With(zap.String("source", claim.Source), zap.String("target", claim.Target))

	if !r.Accepts(claim.Target) {
		logger.Info("target outside site namespace", zap.String("site", r.cfg.SiteBaseURL))
		return r.reject(outcomeOutsideSite, webmention.StatusInvalid, webmention.DetailInvalidPost), nil
	}

	if code := r.deps.Fetcher.CheckReachable(ctx, claim.Target); code != http.StatusOK {
		logger.Info("target not reachable", zap.Int("status", code))
		return r.reject(outcomeUnreachable, webmention.StatusInvalid, webmention.DetailInvalidPost), nil
	}

	// Only claims for reachable targets on this site reach the audit log;
	// everything past this point is audited whether or not it verifies.
	if r.deps.Audit != nil {
		if err := r.deps.Audit.Append(claim); err != nil {
			metrics.ObserveClaim(outcomeError)
			return webmention.Outcome{}, fmt.Errorf("append audit line: %w", err)
		}
	}

	if !r.deps.Verifier.ConfirmBackReference(ctx, claim.Source, claim.Target) {
		logger.Info("source does not reference target")
		return r.reject(outcomeNoBacklink, webmention.StatusInvalid, webmention.DetailInvalidPost), nil
	}
	logger.Info("post was referenced by source")

	vouched, rejection, ok := r.checkVouch(ctx, claim, logger)
	if !ok {
		return rejection, nil
	}

	resp, err := r.deps.Fetcher.FetchBody(ctx, claim.Source)
	if err != nil || resp.StatusCode != http.StatusOK {
		logger.Warn("source re-fetch failed", zap.Int("status", resp.StatusCode), zap.Error(err))
		return r.reject(outcomeSourceFailed, webmention.StatusInvalid, webmention.DetailInvalidPost), nil
	}

	record, err := r.buildRecord(claim, vouched, resp)
	if err != nil {
		logger.Warn("cannot derive record id", zap.Error(err))
		return r.reject(outcomeSourceFailed, webmention.StatusInvalid, webmention.DetailInvalidPost), nil
	}

	if err := r.persist(ctx, &record, logger); err != nil {
		metrics.ObserveClaim(outcomeError)
		return webmention.Outcome{}, err
	}

	metrics.ObserveClaim(outcomeAccepted)
	logger.Info("webmention recorded",
		zap.String("id", record.ID),
		zap.Bool("vouched", record.Vouched),
		zap.String("hcard_name", record.HCardName),
	)
	return webmention.Outcome{
		Status: webmention.StatusOK,
		Detail: webmention.DetailDone,
		Record: &record,
	}, nil
}

// checkVouch returns the vouched flag, or a rejection with ok=false.
func (r *Recorder) checkVouch(
	ctx context.Context,
	claim webmention.Claim,
	logger *zap.Logger,
) (bool, webmention.Outcome, bool) {
	if !r.cfg.RequireVouch {
		if claim.Vouch == "" {
			return r.cfg.VouchedDefault, webmention.Outcome{}, true
		}
		return r.deps.Vouch.IsVouched(ctx, claim.Vouch), webmention.Outcome{}, true
	}
	if claim.Vouch == "" {
		logger.Info("vouch required but not supplied")
		return false, r.reject(outcomeVouchMissing, webmention.StatusVouchRequired, webmention.DetailVouchRequired), false
	}
	if !r.deps.Vouch.IsVouched(ctx, claim.Vouch) {
		logger.Info("vouch domain not trusted", zap.String("vouch", claim.Vouch))
		return false, r.reject(outcomeVouchRejected, webmention.StatusVouchRejected, webmention.DetailInvalidMention), false
	}
	return true, webmention.Outcome{}, true
}

func (r *Recorder) buildRecord(
	claim webmention.Claim,
	vouched bool,
	resp webmention.FetchResponse,
) (webmention.Record, error) {
	id, err := webmention.GenerateSafeName(claim.Source)
	if err != nil {
		return webmention.Record{}, err
	}
	hash, err := r.deps.Hasher.Hash(resp.Body)
	if err != nil {
		return webmention.Record{}, fmt.Errorf("hash source body: %w", err)
	}

	base := resp.URL
	if base == "" {
		base = claim.Source
	}
	data := microformats.ParseResponse(resp, base)
	name, url := microformats.AuthorCard(data)

	now := r.deps.Clock.Now()
	record := webmention.Record{
		ID:           id,
		Source:       claim.Source,
		Target:       claim.Target,
		Vouched:      vouched,
		ReceivedAt:   now.Format(webmention.DisplayTimeLayout),
		PostDate:     now.UTC(),
		ContentType:  resp.ContentType,
		ContentHash:  hash,
		HCardName:    name,
		HCardURL:     url,
		Microformats: data.Tree(),
	}
	if claim.Vouch != "" {
		domain := claim.Vouch
		record.VouchDomain = &domain
	}
	if resp.HasCharset {
		record.Content = resp.Text
	} else {
		record.ContentRaw = resp.Body
	}
	return record, nil
}

// persist writes the snippet and record, then runs best-effort mirrors and events.
func (r *Recorder) persist(ctx context.Context, record *webmention.Record, logger *zap.Logger) error {
	if r.deps.Snippets != nil {
		snippet, err := r.deps.Snippets.WriteSnippet(ctx, *record)
		if err != nil {
			return fmt.Errorf("write snippet: %w", err)
		}
		record.Snippet = snippet
	}

	uri, err := r.deps.Records.PutRecord(ctx, *record)
	if err != nil {
		return fmt.Errorf("persist record: %w", err)
	}
	logger.Debug("record stored", zap.String("uri", uri))

	for _, m := range r.deps.Mirrors {
		if err := m.Mirror(ctx, *record); err != nil {
			logger.Warn("record mirror failed", zap.String("mirror", m.Name()), zap.Error(err))
		}
	}

	if r.deps.Events != nil {
		if err := r.deps.Events.Handle(ctx, events.ClassWebmention, events.EventInbound, record.Source, record.Target); err != nil {
			logger.Warn("inbound event handlers failed", zap.Error(err))
		}
	}
	return nil
}

func (r *Recorder) reject(label string, status int, detail string) webmention.Outcome {
	metrics.ObserveClaim(label)
	return webmention.Outcome{Status: status, Detail: detail}
}
