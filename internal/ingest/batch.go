package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/vgomini/internal/ir"
)

// LineResult is the outcome of one batch line.
type LineResult struct {
	Line   int               `json:"line"`
	Record *ir.IngressRecord `json:"record,omitempty"`
	Code   string            `json:"code,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Batch is the result of an NDJSON batch ingestion.
type Batch struct {
	JobID    string       `json:"job_id"`
	Window   string       `json:"window"`
	Accepted int          `json:"accepted"`
	Rejected int          `json:"rejected"`
	Lines    []LineResult `json:"lines"`
}

// LineKey derives the idempotency key of batch line i from the batch key.
// Lines of one batch never collide with each other, and re-posting the same
// batch under the same key flags every line as a replay.
func LineKey(batchKey string, line int) string {
	if batchKey == "" {
		return ""
	}
	return fmt.Sprintf("%s#%d", batchKey, line)
}

// IngestBatch ingests newline-delimited JSON. If any non-blank line is not
// JSON the whole batch is rejected with MALFORMED_BATCH and nothing is
// appended. Otherwise each line goes through the single-event path; per-line
// field failures are reported in the result and do not reject the batch.
// Line indexes count physical lines, blank ones included.
func (l *Ledger) IngestBatch(ctx context.Context, payload []byte, idempotencyKey string) (Batch, error) {
	lines := bytes.Split(payload, []byte("\n"))

	type pending struct {
		index int
		raw   []byte
	}
	var todo []pending
	for i, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			err := malformedBatch(i, "line is not valid JSON")
			l.opts.Logger.Debug("batch rejected", "window", l.opts.Window, "code", err.Code, "line", i)
			return Batch{}, err
		}
		todo = append(todo, pending{index: i, raw: line})
	}
	if len(todo) == 0 {
		return Batch{}, malformedBatch(-1, "batch contains no events")
	}

	batch := Batch{
		JobID:  l.opts.IDs.Generate(),
		Window: l.opts.Window,
		Lines:  make([]LineResult, 0, len(todo)),
	}
	for _, p := range todo {
		res := LineResult{Line: p.index}
		rec, err := l.Ingest(ctx, p.raw, LineKey(idempotencyKey, p.index))
		switch {
		case err == nil:
			res.Record = &rec
			batch.Accepted++
		case Code(err) != "":
			res.Code = Code(err)
			res.Error = err.Error()
			batch.Rejected++
		default:
			return batch, fmt.Errorf("batch %s line %d: %w", batch.JobID, p.index, err)
		}
		batch.Lines = append(batch.Lines, res)
	}

	l.opts.Logger.Info("batch ingested",
		"window", l.opts.Window,
		"job_id", batch.JobID,
		"accepted", batch.Accepted,
		"rejected", batch.Rejected,
	)
	return batch, nil
}
