package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/vgomini/internal/ir"
)

// AppendIngress appends an ingress record to the window's ledger and returns
// the store-assigned sequence number. The record's own Seq is ignored.
// The ledger is append-only: there is no update or delete path.
//
// Returns ErrTenantMismatch, and appends nothing, when the window already
// holds records from a different tenant.
func (s *Store) AppendIngress(ctx context.Context, tenant, window string, rec ir.IngressRecord) (int64, error) {
	body, err := marshalJSON(rec.RawEvent)
	if err != nil {
		return 0, fmt.Errorf("append ingress: %w", err)
	}

	replayed := 0
	if rec.Replayed {
		replayed = 1
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ingress
		(tenant, window_id, event_id, idempotency_key, replayed, partition_id, bucket, received_at, body)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM ingress WHERE window_id = ? AND tenant != ?)
	`,
		tenant,
		window,
		rec.EventID,
		rec.IdempotencyKey,
		replayed,
		rec.Partition,
		rec.Bucket,
		rec.ReceivedAt,
		body,
		window,
		tenant,
	)
	if err != nil {
		return 0, fmt.Errorf("append ingress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("append ingress: rows affected: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("append ingress: window %s: %w", window, ErrTenantMismatch)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append ingress: last insert id: %w", err)
	}
	return seq, nil
}

// PutArtifact writes a stage artifact, replacing any previous body for the
// same (window, name) and bumping its revision.
func (s *Store) PutArtifact(ctx context.Context, window, name string, body []byte, inputSignature string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (window_id, name, body, input_signature, revision)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(window_id, name) DO UPDATE SET
			body = excluded.body,
			input_signature = excluded.input_signature,
			revision = artifacts.revision + 1
	`, window, name, string(body), inputSignature)
	if err != nil {
		return fmt.Errorf("put artifact %s/%s: %w", window, name, err)
	}
	return nil
}

// PutArtifactJSON marshals v and stores it under (window, name).
func (s *Store) PutArtifactJSON(ctx context.Context, window, name string, v any, inputSignature string) error {
	body, err := marshalJSON(v)
	if err != nil {
		return fmt.Errorf("put artifact %s/%s: %w", window, name, err)
	}
	return s.PutArtifact(ctx, window, name, []byte(body), inputSignature)
}

// DeleteArtifact removes an artifact. Deleting a missing artifact is a no-op.
func (s *Store) DeleteArtifact(ctx context.Context, window, name string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM artifacts WHERE window_id = ? AND name = ?
	`, window, name); err != nil {
		return fmt.Errorf("delete artifact %s/%s: %w", window, name, err)
	}
	return nil
}

// AppendTranscript appends notes to a window's transcript stream in the given
// order. Sequence numbers continue from the stream's current maximum, so a
// stream is never rewritten.
func (s *Store) AppendTranscript(ctx context.Context, window, stream string, notes []ir.Note) error {
	if len(notes) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var last int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) FROM transcript WHERE window_id = ? AND stream = ?
		`, window, stream).Scan(&last); err != nil {
			return fmt.Errorf("append transcript %s/%s: %w", window, stream, err)
		}

		for i, note := range notes {
			body, err := marshalJSON(note)
			if err != nil {
				return fmt.Errorf("append transcript %s/%s: %w", window, stream, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO transcript (window_id, stream, seq, code, body)
				VALUES (?, ?, ?, ?, ?)
			`, window, stream, last+int64(i)+1, note.Code, body); err != nil {
				return fmt.Errorf("append transcript %s/%s: %w", window, stream, err)
			}
		}
		return nil
	})
}
