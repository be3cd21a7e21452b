package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/roach88/vgomini/internal/ir"
)

// createTestStore creates a fresh file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestIngress creates an ingress record with minimal required fields.
func createTestIngress(eventID, principal, amount, key string) ir.IngressRecord {
	return ir.IngressRecord{
		RawEvent: ir.RawEvent{
			EventID:     eventID,
			PrincipalID: principal,
			AmountMinor: json.Number(amount),
			Currency:    "EUR",
			Type:        ir.EventOrder,
			OccurredAt:  "2025-01-01T10:00:00Z",
		},
		ReceivedAt:     "2025-01-01T10:00:01.000Z",
		IdempotencyKey: key,
		Partition:      3,
		Bucket:         "2025-01-01T10:00:00Z",
	}
}
