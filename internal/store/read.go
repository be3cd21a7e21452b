package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/vgomini/internal/ir"
)

// Artifact is a persisted stage output.
type Artifact struct {
	Window         string
	Name           string
	Body           []byte
	InputSignature string
	Revision       int64
}

// TranscriptEntry is one persisted transcript note.
type TranscriptEntry struct {
	Seq  int64   `json:"seq"`
	Code string  `json:"code"`
	Note ir.Note `json:"note"`
}

// ReadIngress returns the (tenant, window) ingress ledger in arrival order.
// Returns an empty slice (not nil) if nothing was ingested.
func (s *Store) ReadIngress(ctx context.Context, tenant, window string) ([]ir.IngressRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, idempotency_key, replayed, partition_id, bucket, received_at, body
		FROM ingress
		WHERE tenant = ? AND window_id = ?
		ORDER BY seq ASC
	`, tenant, window)
	if err != nil {
		return nil, fmt.Errorf("query ingress: %w", err)
	}
	defer rows.Close()

	records := []ir.IngressRecord{}
	for rows.Next() {
		var (
			rec      ir.IngressRecord
			replayed int
			body     string
		)
		if err := rows.Scan(&rec.Seq, &rec.IdempotencyKey, &replayed, &rec.Partition, &rec.Bucket, &rec.ReceivedAt, &body); err != nil {
			return nil, fmt.Errorf("scan ingress: %w", err)
		}
		if err := unmarshalJSON(body, &rec.RawEvent); err != nil {
			return nil, fmt.Errorf("ingress seq %d: %w", rec.Seq, err)
		}
		rec.Replayed = replayed != 0
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingress: %w", err)
	}
	return records, nil
}

// WindowTenant returns the tenant that owns window, or "" when nothing has
// been ingested into it.
func (s *Store) WindowTenant(ctx context.Context, window string) (string, error) {
	var tenant string
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant FROM ingress WHERE window_id = ? ORDER BY seq ASC LIMIT 1
	`, window).Scan(&tenant)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("window tenant %s: %w", window, err)
	}
	return tenant, nil
}

// IdempotencyKeys returns the distinct non-empty idempotency keys recorded
// for (tenant, window), in first-seen order.
func (s *Store) IdempotencyKeys(ctx context.Context, tenant, window string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key
		FROM ingress
		WHERE tenant = ? AND window_id = ? AND idempotency_key != ''
		GROUP BY idempotency_key
		ORDER BY MIN(seq) ASC
	`, tenant, window)
	if err != nil {
		return nil, fmt.Errorf("query idempotency keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan idempotency key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idempotency keys: %w", err)
	}
	return keys, nil
}

// GetArtifact returns the artifact stored under (window, name).
// Returns ErrNotFound if the stage has not written it.
func (s *Store) GetArtifact(ctx context.Context, window, name string) (Artifact, error) {
	a := Artifact{Window: window, Name: name}
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body, input_signature, revision
		FROM artifacts
		WHERE window_id = ? AND name = ?
	`, window, name).Scan(&body, &a.InputSignature, &a.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("artifact %s/%s: %w", window, name, ErrNotFound)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("artifact %s/%s: %w", window, name, err)
	}
	a.Body = []byte(body)
	return a, nil
}

// GetArtifactJSON decodes the artifact stored under (window, name) into v and
// returns its input signature.
func (s *Store) GetArtifactJSON(ctx context.Context, window, name string, v any) (string, error) {
	a, err := s.GetArtifact(ctx, window, name)
	if err != nil {
		return "", err
	}
	if err := unmarshalJSON(string(a.Body), v); err != nil {
		return "", fmt.Errorf("artifact %s/%s: %w", window, name, err)
	}
	return a.InputSignature, nil
}

// ListArtifacts returns the artifact names present for a window, sorted.
func (s *Store) ListArtifacts(ctx context.Context, window string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM artifacts WHERE window_id = ? ORDER BY name COLLATE BINARY ASC
	`, window)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan artifact name: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return names, nil
}

// ReadTranscript returns a window's transcript stream in append order.
func (s *Store) ReadTranscript(ctx context.Context, window, stream string) ([]TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, code, body
		FROM transcript
		WHERE window_id = ? AND stream = ?
		ORDER BY seq ASC
	`, window, stream)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	entries := []TranscriptEntry{}
	for rows.Next() {
		var (
			e    TranscriptEntry
			body string
		)
		if err := rows.Scan(&e.Seq, &e.Code, &body); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		if err := unmarshalJSON(body, &e.Note); err != nil {
			return nil, fmt.Errorf("transcript %s seq %d: %w", stream, e.Seq, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return entries, nil
}

// CountTranscript returns the number of entries in a transcript stream.
func (s *Store) CountTranscript(ctx context.Context, window, stream string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transcript WHERE window_id = ? AND stream = ?
	`, window, stream).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transcript: %w", err)
	}
	return n, nil
}

// Windows returns every window that has ingress records or artifacts,
// sorted by byte order.
func (s *Store) Windows(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT window_id FROM ingress
		UNION
		SELECT window_id FROM artifacts
		ORDER BY 1 COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer rows.Close()

	windows := []string{}
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate windows: %w", err)
	}
	return windows, nil
}
