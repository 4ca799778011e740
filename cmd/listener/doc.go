// Command listener runs the webmention receiver.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes POST /webmention, async job status, mention lookups, health probes and
//     Prometheus metrics.
//   - Verification: internal/mention.Recorder checks that the target lives under site.base_url and answers 200,
//     confirms the source links back to it (internal/linkback), and applies the vouch policy (internal/vouch).
//   - Persistence: accepted mentions become numbered snippet files under site.content_path, JSON records in the
//     configured blob store (local/GCS/memory), and optional Redis and Postgres mirrors. Event handlers (log, Pub/Sub)
//     are notified afterwards.
//   - Async mode: with webmention.async set, claims are queued to a bounded in-memory queue and processed by a fixed
//     worker pool; callers poll /webmention/status/{job_id}.
//
// Quick checklist:
//   - Configure env vars: LISTENER_SITE_BASE_URL, LISTENER_SITE_CONTENT_PATH, LISTENER_SERVER_PORT, storage
//     (LISTENER_STORAGE_*), redis, database DSN and pubsub when mirrors or events beyond logging are wanted.
//   - Run locally: go run ./cmd/listener serve --config config.yaml
//   - One-off check: go run ./cmd/listener verify --source <url> --target <url> [--vouch <domain>]
package main
