// Package validate turns the ingress ledger into a deduplicated, normalized
// record set and decides whether the window may close.
package validate

import (
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/vgomini/internal/ir"
)

// Stage is the transcript stream name for validation notes.
const Stage = "validate"

// Validate walks records in arrival order and applies the two-tier dedup:
// a replayed record yields an idempotency-dup note, a record whose event_id
// was already kept in this pass yields an event-id-dup note. Everything else
// is normalized and kept.
//
// Replays never reach the event-id check, so a replay of a dropped event does
// not shadow a later legitimate record.
func Validate(records []ir.IngressRecord) ([]ir.ValidatedRecord, []ir.DuplicateNote) {
	kept := make([]ir.ValidatedRecord, 0, len(records))
	dups := []ir.DuplicateNote{}
	seen := make(map[string]struct{}, len(records))

	for _, rec := range records {
		if rec.Replayed {
			dups = append(dups, ir.DuplicateNote{
				EventID:        rec.EventID,
				IdempotencyKey: rec.IdempotencyKey,
				Seq:            rec.Seq,
				Reason:         ir.DupIdempotency,
			})
			continue
		}
		if _, ok := seen[rec.EventID]; ok {
			dups = append(dups, ir.DuplicateNote{
				EventID:        rec.EventID,
				IdempotencyKey: rec.IdempotencyKey,
				Seq:            rec.Seq,
				Reason:         ir.DupEventID,
			})
			continue
		}
		seen[rec.EventID] = struct{}{}
		kept = append(kept, Normalize(rec))
	}
	return kept, dups
}

// Normalize converts one ingress record into a ValidatedRecord.
//
// An amount that is an exact integer (including forms like 10.0 or 1e3) and
// fits int64 becomes AmountMinor. Anything else keeps its literal text in
// AmountRaw and is tagged NON_INTEGER_AMOUNT for Accumulation to exclude.
func Normalize(rec ir.IngressRecord) ir.ValidatedRecord {
	out := ir.ValidatedRecord{
		Event: ir.Event{
			EventID:     rec.EventID,
			PrincipalID: rec.PrincipalID,
			Currency:    rec.Currency,
			Type:        rec.Type,
			OccurredAt:  rec.OccurredAt,
		},
		Partition: rec.Partition,
		Bucket:    rec.Bucket,
		Seq:       rec.Seq,
	}
	if out.Type == "" {
		out.Type = ir.EventOrder
	}
	if t, err := ir.ParseTimestamp(rec.OccurredAt); err == nil {
		out.OccurredAt = ir.FormatTimestamp(t)
	}

	amount, ok := integralMinor(string(rec.AmountMinor))
	if !ok {
		out.AmountRaw = string(rec.AmountMinor)
		out.Reason = ir.CodeNonIntegerAmount
		return out
	}
	out.AmountMinor = amount
	return out
}

func integralMinor(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() {
		return 0, false
	}
	bi := d.BigInt()
	if !bi.IsInt64() {
		return 0, false
	}
	return bi.Int64(), true
}

// WatermarkOptions controls when a window counts as closed.
type WatermarkOptions struct {
	// ExpectedPartitions must all have reported. Empty means the partitions
	// present in the input.
	ExpectedPartitions []int

	// AllowedSkew bounds how far a partition's watermark may lag W*.
	// Zero means no bound.
	AllowedSkew time.Duration
}

// ComputeWatermarks returns the per-partition max received_at, the global
// target W*, and whether the window is closed. A window with no records is
// never closed.
func ComputeWatermarks(records []ir.IngressRecord, opts WatermarkOptions) ir.Watermarks {
	byPartition := map[int]*ir.PartitionWatermark{}
	for _, rec := range records {
		pw, ok := byPartition[rec.Partition]
		if !ok {
			pw = &ir.PartitionWatermark{Partition: rec.Partition}
			byPartition[rec.Partition] = pw
		}
		pw.Records++
		// Canonical timestamps compare chronologically as strings.
		if rec.ReceivedAt > pw.Watermark {
			pw.Watermark = rec.ReceivedAt
		}
	}

	wm := ir.Watermarks{Partitions: make([]ir.PartitionWatermark, 0, len(byPartition))}
	for _, pw := range byPartition {
		wm.Partitions = append(wm.Partitions, *pw)
		if pw.Watermark > wm.Target {
			wm.Target = pw.Watermark
		}
	}
	sort.Slice(wm.Partitions, func(i, j int) bool {
		return wm.Partitions[i].Partition < wm.Partitions[j].Partition
	})

	if len(records) == 0 {
		return wm
	}

	for _, p := range opts.ExpectedPartitions {
		if _, ok := byPartition[p]; !ok {
			wm.Missing = append(wm.Missing, p)
		}
	}
	sort.Ints(wm.Missing)

	wm.Closed = len(wm.Missing) == 0
	if wm.Closed && opts.AllowedSkew > 0 {
		target, err := ir.ParseTimestamp(wm.Target)
		if err != nil {
			wm.Closed = false
			return wm
		}
		for _, pw := range wm.Partitions {
			t, err := ir.ParseTimestamp(pw.Watermark)
			if err != nil || target.Sub(t) > opts.AllowedSkew {
				wm.Closed = false
				break
			}
		}
	}
	return wm
}

// Notes renders duplicate notes and the watermark snapshot as transcript
// entries.
func Notes(dups []ir.DuplicateNote, wm ir.Watermarks) []ir.Note {
	notes := make([]ir.Note, 0, len(dups)+1)
	for _, d := range dups {
		code := ir.CodeEventIDDup
		if d.Reason == ir.DupIdempotency {
			code = ir.CodeIdempotencyDup
		}
		detail := map[string]string{"seq": strconv.FormatInt(d.Seq, 10)}
		if d.IdempotencyKey != "" {
			detail["idempotency_key"] = d.IdempotencyKey
		}
		notes = append(notes, ir.Note{Stage: Stage, Code: code, EventID: d.EventID, Detail: detail})
	}
	notes = append(notes, ir.Note{
		Stage: Stage,
		Code:  ir.CodeWatermark,
		Detail: map[string]string{
			"target":     wm.Target,
			"closed":     strconv.FormatBool(wm.Closed),
			"partitions": strconv.Itoa(len(wm.Partitions)),
		},
	})
	return notes
}
