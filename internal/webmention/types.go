// Package webmention defines core types shared across the verification pipeline.
package webmention

import (
	"net/http"
	"time"
)

// Status codes returned to webmention senders.
const (
	StatusOK             = http.StatusOK
	StatusInvalid        = http.StatusNotFound
	StatusVouchRequired  = 449
	StatusVouchRejected  = http.StatusBadRequest
	StatusInternalError  = http.StatusInternalServerError
	DetailDone           = "done"
	DetailInvalidPost    = "invalid post"
	DetailVouchRequired  = "Vouch required for webmention"
	DetailInvalidMention = "Webmention is invalid"
	DetailInternalError  = "internal server error"
)

// DisplayTimeLayout formats Record.ReceivedAt.
const DisplayTimeLayout = "02 Jan 2006 15:04"

// Claim is an inbound notification that Source references Target.
type Claim struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Vouch  string `json:"vouch,omitempty"`
}

// Outcome is the caller-visible result of processing a Claim.
type Outcome struct {
	Status int     `json:"status"`
	Detail string  `json:"detail"`
	Record *Record `json:"record,omitempty"`
}

// Accepted reports whether the claim produced a record.
func (o Outcome) Accepted() bool {
	return o.Status == StatusOK
}

// Record is persisted for every verified mention.
type Record struct {
	ID           string        `json:"id"`
	Source       string        `json:"source"`
	Target       string        `json:"target"`
	VouchDomain  *string       `json:"vouch_domain"`
	Vouched      bool          `json:"vouched"`
	ReceivedAt   string        `json:"received_at"`
	PostDate     time.Time     `json:"post_date"`
	ContentType  string        `json:"content_type,omitempty"`
	Content      string        `json:"content,omitempty"`
	ContentRaw   []byte        `json:"content_raw,omitempty"`
	ContentHash  string        `json:"content_hash"`
	HCardName    string        `json:"hcard_name"`
	HCardURL     string        `json:"hcard_url"`
	Microformats *Microformats `json:"microformats,omitempty"`
	Snippet      string        `json:"snippet,omitempty"`
}

// Microformats is the parsed structured-data tree of a source document.
type Microformats struct {
	Items []*Item             `json:"items"`
	Rels  map[string][]string `json:"rels"`
}

// Item is a single microformats2 object.
type Item struct {
	Type       []string         `json:"type"`
	Properties map[string][]any `json:"properties"`
	Children   []*Item          `json:"children,omitempty"`
	// Value is set when the item is itself a property value.
	Value string `json:"value,omitempty"`
}

// HasType reports whether the item carries the given h-* type.
func (i *Item) HasType(t string) bool {
	if i == nil {
		return false
	}
	for _, v := range i.Type {
		if v == t {
			return true
		}
	}
	return false
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	// Text holds the body decoded to UTF-8 when the response declared a charset.
	Text       string
	HasCharset bool
	Duration   time.Duration
}

// OK reports a 2xx status.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// JobStatus represents the lifecycle state of an asynchronously processed claim.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusAccepted JobStatus = "accepted"
	JobStatusRejected JobStatus = "rejected"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// Job tracks a claim accepted for background processing.
type Job struct {
	ID        string     `json:"id"`
	Status    JobStatus  `json:"status"`
	Claim     Claim      `json:"claim"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
	Outcome   *Outcome   `json:"outcome,omitempty"`
	ErrorText string     `json:"error_text,omitempty"`
}

// QueueItem wraps a claim ready to run.
type QueueItem struct {
	JobID     string
	Claim     Claim
	Submitted int64
}
