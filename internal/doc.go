// Package octoingest pulls smart-meter consumption from Octopus Energy and
// stores it in TimescaleDB.
//
// # Architecture
//
// The daemon is structured into several key packages:
//   - octopus: Provider client for the GraphQL and REST APIs
//   - auth: Token cache with refresh ahead of expiry
//   - fetcher: Paginated reading sessions with retry
//   - normalize: Unit, timezone and tariff normalization
//   - watermark: Per-meter high-water marks for write-once ingestion
//   - database: TimescaleDB storage for readings and watermarks
//   - scheduler: Periodic ingestion cycles across meters
//   - grpc: Health status endpoint
//   - metrics: Prometheus collectors
//
// Key Features
//
//   - Backfill:
//     A meter with no watermark is fetched from a configurable window
//     in the past, then kept current by periodic cycles.
//
//   - At-least-once Writes:
//     The watermark only advances once a batch is stored, so a batch that
//     failed part way is written again on the next cycle. Writes upsert on
//     series and time, so a repeated batch leaves one row per reading.
//
//   - Cost:
//     Each reading carries the unit rate and standing charge in force at
//     its interval start, and the cost of the energy it measured.
//
// Example Usage
//
//	octoingest -config config.yaml
//	octoingest -config config.yaml -once
//
// For more information about specific packages, see their respective
// documentation.
package octoingest
