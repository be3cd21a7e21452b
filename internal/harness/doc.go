// Package harness runs settlement scenarios end to end.
//
// A scenario is a YAML file naming a window, the events to ingest, a policy
// and the expected outcome:
//
//	name: basic_flow
//	description: two principals, one refund, remainder goes to the larger fraction
//	window: "2025-01"
//	policy:
//	  bonus_pct: 1
//	  finance_ack: {reserves_ok: true}
//	  compliance: {P1: {status: cleared}, P2: {status: ok}}
//	events:
//	  - key: k1
//	    event: '{"event_id":"ev1","principal_id":"P1","amount_minor":1230,"type":"order","occurred_at":"2025-01-01T10:00:00Z"}'
//	expect:
//	  final_rows: {P1: 1040, P2: 1009}
//	  target_total_minor: 2049
//	assertions:
//	  - type: transcript_order
//	    stream: validate
//	    codes: [IDEMPOTENCY_DUP, WATERMARK, STAGED]
//
// Run drives the real pipeline: events go through ingest.Ledger, the policy
// through compiler.ParsePolicy, and every stage through engine.Engine against
// a fresh in-memory store. Clocks, job ids and the signer are fixed, so the
// same scenario always yields the same seal hash.
//
// RunWithGolden additionally snapshots the outcome (final rows, target, seal
// hash and the transcript codes) into testdata/golden with goldie.
package harness
