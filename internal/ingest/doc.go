// Package ingest implements the event ingestion ledger.
//
// A Ledger is constructed once per (tenant, window) and handed to every
// caller that ingests: the CLI ingest command and the HTTP server. It
// performs the single validating parse at the ingress boundary, assigns the
// deterministic partition and bucket, flags idempotency-key replays, and
// appends every accepted record to the durable store. Filtering duplicates is
// Validation's job; Ingestion only flags them.
//
// LeaseManager provides the cooperative single-active-writer token. It is a
// convention between cooperating processes, not a lock.
package ingest
