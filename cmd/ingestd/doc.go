// Package main hosts the ingest crawler service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and the /crawl routes. Submissions are validated by
//     internal/admission, checked against per-tenant concurrency and hourly limits, recorded in the JobStore, and
//     enqueued for the worker. Rejections come back as 429 with the limit numbers; a store outage yields 503.
//   - Limits & jobs: internal/policy/ratelimit enforces the concurrent and hourly caps atomically (Redis Lua scripts,
//     or an in-process variant for single-node runs). Job records live in Redis with a retention TTL, or in memory.
//   - Worker: each dequeued job runs in its own goroutine, detached from the request. The frontier crawls from the
//     seed (sitemap first, then link discovery bounded by depth and same-domain scope), converts pages to Markdown,
//     and hands results to the job's sink. The concurrency slot is released exactly once whatever the outcome.
//   - Fetch pipeline: the Colly fetcher handles plain HTML; when headless is enabled the heuristic detector promotes
//     script-heavy pages to a Chromedp fetch. The dispatcher pauses new page fetches while memory pressure is high.
//   - Persistence & fanout: results go to the configured BlobStore (memory/local/GCS) and optionally to Postgres.
//     A completion event is published to Pub/Sub when a topic is configured, or to a bounded in-memory log.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Shutdown: SIGINT/SIGTERM stops the HTTP server, stops dequeuing, fails jobs still waiting in the queue, and
//     waits up to jobs.drain_timeout for running crawls before closing clients.
//   - Readiness: /readyz pings Redis when it backs the stores; /healthz is always cheap.
//
// Quick checklist:
//   - Configure env vars: INGEST_SERVER_PORT or PORT, INGEST_STORE_BACKEND (redis|memory), INGEST_REDIS_ADDR,
//     INGEST_LIMITS_MAX_CONCURRENT, INGEST_LIMITS_MAX_HOURLY, INGEST_AUTH_ENABLED with INGEST_AUTH_API_KEY,
//     storage (INGEST_STORAGE_*), INGEST_DATABASE_DSN, and INGEST_PUBSUB_PROJECT_ID/INGEST_PUBSUB_TOPIC_NAME.
//   - Run locally: go run ./cmd/ingestd -config config.yaml (or rely solely on env overrides).
package main
