// Package storage persists mention records through a blob backend.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// RecordStore writes one JSON document per source, keyed by record ID.
// A later record for the same source replaces the earlier one.
type RecordStore struct {
	blobs  webmention.BlobStore
	prefix string
}

// NewRecordStore wraps a blob backend. prefix may be empty.
func NewRecordStore(blobs webmention.BlobStore, prefix string) *RecordStore {
	return &RecordStore{blobs: blobs, prefix: prefix}
}

// RecordPath returns the object path for a record ID.
func RecordPath(prefix, id string) string {
	return path.Join(prefix, id+".json")
}

// PutRecord serializes record and returns the object's URI.
func (s *RecordStore) PutRecord(ctx context.Context, record webmention.Record) (string, error) {
	if record.ID == "" {
		return "", errors.New("record id is required")
	}
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	uri, err := s.blobs.PutObject(ctx, RecordPath(s.prefix, record.ID), "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("put record: %w", err)
	}
	return uri, nil
}
