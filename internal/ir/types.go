package ir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the canonical ISO form of every persisted timestamp.
// Canonical strings sort chronologically under byte comparison.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the canonical UTC layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts RFC 3339 (with or without fractional seconds) and
// returns the instant in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// EventType tags an event as an order or a refund.
type EventType string

const (
	EventOrder  EventType = "order"
	EventRefund EventType = "refund"
)

// Event is a normalized financial event. Immutable once ingested.
// AmountMinor is a signed count of minor currency units.
type Event struct {
	EventID     string    `json:"event_id"`
	PrincipalID string    `json:"principal_id"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Type        EventType `json:"type"`
	OccurredAt  string    `json:"occurred_at"`
}

// RawEvent is the ingress wire shape. AmountMinor is kept as the literal JSON
// number so a non-integral amount survives until Validation can tag it.
type RawEvent struct {
	EventID     string      `json:"event_id"`
	PrincipalID string      `json:"principal_id,omitempty"`
	AmountMinor json.Number `json:"amount_minor,omitempty"`
	Currency    string      `json:"currency,omitempty"`
	Type        EventType   `json:"type,omitempty"`
	OccurredAt  string      `json:"occurred_at"`
}

// IngressRecord is a RawEvent plus ingestion metadata. Append-only.
type IngressRecord struct {
	RawEvent
	ReceivedAt     string `json:"received_at"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Replayed       bool   `json:"replayed"`
	Partition      int    `json:"partition"`
	Bucket         string `json:"bucket"`
	Seq            int64  `json:"seq"`
}

// ValidatedRecord is a deduplicated, normalized event tagged with its source
// partition. Reason is set when the record must be excluded downstream.
type ValidatedRecord struct {
	Event
	Partition int    `json:"partition"`
	Bucket    string `json:"bucket"`
	Seq       int64  `json:"seq"`
	AmountRaw string `json:"amount_raw,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// DuplicateReason explains why Validation dropped a record.
type DuplicateReason string

const (
	DupIdempotency DuplicateReason = "idempotency-dup"
	DupEventID     DuplicateReason = "event-id-dup"
)

// DuplicateNote records a dropped ingress record.
type DuplicateNote struct {
	EventID        string          `json:"event_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Seq            int64           `json:"seq"`
	Reason         DuplicateReason `json:"reason"`
}

// PartitionWatermark is the latest received_at seen on one partition.
type PartitionWatermark struct {
	Partition int    `json:"partition"`
	Watermark string `json:"watermark"`
	Records   int    `json:"records"`
}

// Watermarks is the window-close snapshot taken during Validation.
type Watermarks struct {
	Partitions []PartitionWatermark `json:"partitions"`
	Target     string               `json:"target"`
	Closed     bool                 `json:"closed"`
	Missing    []int                `json:"missing,omitempty"`
}

// FoldDescriptor names the total order applied before aggregation.
type FoldDescriptor struct {
	Version  string   `json:"version"`
	Keys     []string `json:"keys"`
	Tiebreak string   `json:"tiebreak"`
}

// String renders the descriptor as the single line recorded in Tier0Root.
func (d FoldDescriptor) String() string {
	return fmt.Sprintf("%s:%s;tiebreak=%s", d.Version, strings.Join(d.Keys, ","), d.Tiebreak)
}

// RollupRow is the per-principal aggregate. NetMinor = GrossMinor - RefundsMinor.
type RollupRow struct {
	Principal    string `json:"principal"`
	Count        int64  `json:"count"`
	GrossMinor   int64  `json:"gross_minor"`
	RefundsMinor int64  `json:"refunds_minor"`
	NetMinor     int64  `json:"net_minor"`
}

// Decision is the Policy verdict for a principal.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionHold  Decision = "HOLD"
)

// CapApplied records a binding payout cap.
type CapApplied struct {
	Before      int64 `json:"before"`
	CapMinor    int64 `json:"cap_minor"`
	CappedDelta int64 `json:"capped_delta"`
}

// PolicyRow is the per-principal Policy decision.
// BonusExactSubcent is an exact decimal string in minor units and may carry a
// sub-minor-unit fraction. BonusQuantizedMinor is always 0: quantization is
// Carry's job.
type PolicyRow struct {
	Principal           string      `json:"principal"`
	NetMinor            int64       `json:"net_minor"`
	BonusExactSubcent   string      `json:"bonus_exact_subcent"`
	BonusQuantizedMinor int64       `json:"bonus_quantized_minor"`
	PayoutMinor         int64       `json:"payout_minor"`
	Decision            Decision    `json:"decision"`
	Reason              string      `json:"reason,omitempty"`
	CapApplied          *CapApplied `json:"cap_applied,omitempty"`
}

// CarryRow is the per-principal final allocation.
// FinalMinor = NetMinor + FinalBonusMinor and
// FinalBonusMinor = FloorBonusMinor + CarryDelta.
type CarryRow struct {
	Principal       string   `json:"principal"`
	Decision        Decision `json:"decision"`
	NetMinor        int64    `json:"net_minor"`
	FloorBonusMinor int64    `json:"floor_bonus_minor"`
	Frac            string   `json:"frac"`
	CarryDelta      int64    `json:"carry_delta"`
	FinalBonusMinor int64    `json:"final_bonus_minor"`
	FinalMinor      int64    `json:"final_minor"`
}

// FinalRow is one entry of the sealed payout list.
type FinalRow struct {
	Principal  string `json:"principal"`
	FinalMinor int64  `json:"final_minor"`
}

// CarryOutput is the Carry -> Seal hand-off (the carry-result key).
type CarryOutput struct {
	Rows             []FinalRow `json:"rows"`
	TargetTotalMinor int64      `json:"target_total_minor"`
}

// Sum returns the sum of final_minor over all rows.
func (o CarryOutput) Sum() int64 {
	var total int64
	for _, r := range o.Rows {
		total += r.FinalMinor
	}
	return total
}

// CarryReport is the full Carry result kept for audit and display.
type CarryReport struct {
	Output         CarryOutput `json:"output"`
	Rows           []CarryRow  `json:"rows"`
	SumFloors      int64       `json:"sum_floors"`
	Rounded        int64       `json:"rounded"`
	StartRemainder int64       `json:"start_remainder"`
	Fingerprint    string      `json:"fingerprint"`
}

// Segments counts the audit segments a Tier0Root covers.
type Segments struct {
	CarryLedgerCount int64 `json:"carry_ledger_count"`
}

// Tier0Root is the transcript root persisted alongside a seal.
type Tier0Root struct {
	Version        string   `json:"version"`
	ManifestHash   string   `json:"manifest_hash"`
	Segments       Segments `json:"segments"`
	Watermark      string   `json:"watermark"`
	FoldOrderDesc  string   `json:"fold_order_desc"`
	OutputsDigest  string   `json:"outputs_digest"`
	Window         string   `json:"window"`
	MaterializedAt string   `json:"materialized_at"`
}

// SealSignature is the signature block attached to a seal.
type SealSignature struct {
	SignerID  string `json:"signer_id"`
	Alg       string `json:"alg"`
	Domain    string `json:"domain"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key,omitempty"`
}

// SealDigest is the terminal artifact. Immutable once created.
type SealDigest struct {
	Window             string        `json:"window"`
	FinalRows          []FinalRow    `json:"final_rows"`
	TargetTotalMinor   int64         `json:"target_total_minor"`
	AchievedTotalMinor int64         `json:"achieved_total_minor"`
	Remainder          int64         `json:"remainder"`
	SealHash           string        `json:"seal_hash"`
	CarryFingerprint   string        `json:"carry_fingerprint"`
	Tier0Root          Tier0Root     `json:"tier0_root"`
	Signature          SealSignature `json:"signature"`
}

// Note is one reason-coded transcript entry.
type Note struct {
	Stage     string            `json:"stage"`
	Code      string            `json:"code"`
	Principal string            `json:"principal,omitempty"`
	EventID   string            `json:"event_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}
