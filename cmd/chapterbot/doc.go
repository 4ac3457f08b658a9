// Package main hosts the chapterbot entrypoint.
//
// Architecture overview:
//   - Scheduler: internal/dispatcher runs one update cycle every cycle.check_interval, retries after
//     cycle.busy_retry when a cycle is already in flight, and drains the in-flight cycle on shutdown.
//   - Update cycle: internal/worker lists stale sources (readers first, oldest check next), walks them in
//     batches with a pause in between, and runs each through throttle, fetch, extract and the chapter
//     decision. A single source failure never stops the cycle; an origin block does.
//   - Fetching: a chromedp browser session (fetcher.mode=headless) or a Colly HTTP client
//     (fetcher.mode=http). The browser is launched lazily and released at the end of every cycle.
//   - Persistence & fanout: chapter progress lives in Postgres (pgx) or SQLite. A recorded advance writes one
//     notification per reader and, when configured, publishes a Pub/Sub event. Unparseable pages are archived to
//     memory, a local directory or GCS.
//   - Admin API: chi serves /healthz, /readyz, /metrics and the /v1 status and trigger endpoints.
//
// Quick checklist:
//   - Configure env vars: CHAPTERBOT_DATABASE_DRIVER, DATABASE_URL (or CHAPTERBOT_DATABASE_DSN),
//     CHAPTERBOT_FETCHER_MODE, CHAPTERBOT_AUTH_API_KEY, CHAPTERBOT_PUBSUB_PROJECT_ID and CHAPTERBOT_PUBSUB_TOPIC.
//     A .env file in the working directory is loaded first when present.
//   - Run locally: go run ./cmd/chapterbot serve --config config.yaml
//   - One-off: go run ./cmd/chapterbot run-once, or check <source-id> for a single novel.
package main
