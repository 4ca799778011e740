package webmention

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrQueueClosed is returned by Queue.Dequeue after the queue shuts down.
	ErrQueueClosed = errors.New("queue closed")
	// ErrRecordNotFound is returned by lookups of unknown record IDs.
	ErrRecordNotFound = errors.New("record not found")
)

// Fetcher performs outbound requests against arbitrary URLs.
type Fetcher interface {
	// CheckReachable issues a HEAD request and returns the status code.
	// Transport failures are reported as 404.
	CheckReachable(ctx context.Context, url string) int
	FetchBody(ctx context.Context, url string) (FetchResponse, error)
}

// BackReferenceConfirmer decides whether source currently links to target.
type BackReferenceConfirmer interface {
	ConfirmBackReference(ctx context.Context, source, target string) bool
}

// VouchChecker decides whether a vouch domain is trusted.
type VouchChecker interface {
	IsVouched(ctx context.Context, domain string) bool
}

// RecordStore persists mention records keyed by Record.ID.
type RecordStore interface {
	PutRecord(ctx context.Context, record Record) (string, error)
}

// BlobStore writes named objects and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// SnippetWriter appends a rendered snippet for an accepted mention.
type SnippetWriter interface {
	WriteSnippet(ctx context.Context, record Record) (string, error)
}

// Mirror copies accepted records into a secondary store.
type Mirror interface {
	Name() string
	Mirror(ctx context.Context, record Record) error
}

// EventDispatcher notifies registered handlers about pipeline events.
type EventDispatcher interface {
	Handle(ctx context.Context, class, event string, args ...string) error
}

// AuditLog records one line per inbound claim.
type AuditLog interface {
	Append(claim Claim) error
}

// Submitter runs the full verification protocol for one claim.
type Submitter interface {
	Submit(ctx context.Context, claim Claim) (Outcome, error)
}

// JobStore persists async job state.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, jobID string, status JobStatus, outcome *Outcome, errText string) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// Queue provides enqueue/dequeue semantics for async claims.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
