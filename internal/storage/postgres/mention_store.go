// Package postgres mirrors accepted mentions into a Postgres table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "mentions"

// MentionStoreConfig controls the Postgres connection pool used for mention rows.
type MentionStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// MentionStore upserts one row per record ID.
type MentionStore struct {
	pool  execCloser
	table string
}

// NewMentionStore creates a Postgres-backed MentionStore using the provided config.
func NewMentionStore(ctx context.Context, cfg MentionStoreConfig) (*MentionStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &MentionStore{pool: pool, table: table}, nil
}

// NewMentionStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewMentionStoreWithPool(pool execCloser, table string) (*MentionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &MentionStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *MentionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Name identifies the mirror in logs.
func (s *MentionStore) Name() string {
	return "postgres"
}

// Mirror upserts the record. The latest claim for a source replaces the row.
func (s *MentionStore) Mirror(ctx context.Context, record webmention.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("mention store is not configured")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	source_url,
	target_url,
	vouch_domain,
	vouched,
	post_date,
	content_type,
	content_hash,
	hcard_name,
	hcard_url,
	record
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (id) DO UPDATE SET
	source_url = EXCLUDED.source_url,
	target_url = EXCLUDED.target_url,
	vouch_domain = EXCLUDED.vouch_domain,
	vouched = EXCLUDED.vouched,
	post_date = EXCLUDED.post_date,
	content_type = EXCLUDED.content_type,
	content_hash = EXCLUDED.content_hash,
	hcard_name = EXCLUDED.hcard_name,
	hcard_url = EXCLUDED.hcard_url,
	record = EXCLUDED.record`, s.table)

	args := []any{
		record.ID,
		record.Source,
		record.Target,
		record.VouchDomain,
		record.Vouched,
		record.PostDate,
		record.ContentType,
		record.ContentHash,
		record.HCardName,
		record.HCardURL,
		doc,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert mention: %w", err)
	}
	return nil
}
