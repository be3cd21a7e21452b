package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vgomini/internal/ir"
	"github.com/roach88/vgomini/internal/store"
	"github.com/roach88/vgomini/internal/testutil"
)

const testWindow = "2025-01-01"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLedger(t *testing.T, s *store.Store) *Ledger {
	t.Helper()
	l, err := NewLedger(context.Background(), s, Options{
		Tenant: "acme",
		Window: testWindow,
		Clock:  testutil.NewSteppingClock(time.Time{}, time.Second),
		IDs:    testutil.NewSequenceIDs("job"),
	})
	require.NoError(t, err)
	return l
}

func TestIngest_AssignsRoutingAndSeq(t *testing.T) {
	s := newTestStore(t)
	l := newTestLedger(t, s)

	rec, err := l.Ingest(context.Background(),
		[]byte(`{"event_id":"ev1","principal_id":"P1","amount_minor":1230,"currency":"EUR","type":"order","occurred_at":"2025-01-01T10:15:30Z"}`),
		"k1")
	require.NoError(t, err)

	assert.Equal(t, "ev1", rec.EventID)
	assert.Equal(t, json.Number("1230"), rec.AmountMinor)
	assert.Equal(t, "2025-01-01T10:00:00Z", rec.Bucket)
	assert.Equal(t, ir.PartitionOf("acme", testWindow, "2025-01-01T10:00:00Z", DefaultPartitions), rec.Partition)
	assert.Equal(t, "2025-01-01T12:00:00.000Z", rec.ReceivedAt)
	assert.False(t, rec.Replayed)
	assert.Positive(t, rec.Seq)

	stored, err := s.ReadIngress(context.Background(), "acme", testWindow)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, rec, stored[0])
}

func TestIngest_ReplayIsFlaggedAndAppended(t *testing.T) {
	s := newTestStore(t)
	l := newTestLedger(t, s)
	ctx := context.Background()
	raw := []byte(`{"event_id":"ev1","principal_id":"P1","amount_minor":100,"occurred_at":"2025-01-01T10:00:00Z"}`)

	first, err := l.Ingest(ctx, raw, "k1")
	require.NoError(t, err)
	second, err := l.Ingest(ctx, raw, "k1")
	require.NoError(t, err)
	third, err := l.Ingest(ctx, raw, "")
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.False(t, third.Replayed, "events without a key are never flagged")

	stored, err := s.ReadIngress(ctx, "acme", testWindow)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestIngest_ReplayAcrossLedgerInstances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	raw := []byte(`{"event_id":"ev1","occurred_at":"2025-01-01T10:00:00Z"}`)

	_, err := newTestLedger(t, s).Ingest(ctx, raw, "k1")
	require.NoError(t, err)

	rec, err := newTestLedger(t, s).Ingest(ctx, raw, "k1")
	require.NoError(t, err)
	assert.True(t, rec.Replayed)
}

func TestIngest_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		code     string
		sentinel error
		field    string
	}{
		{"missing event_id", `{"occurred_at":"2025-01-01T10:00:00Z"}`, ir.CodeMissingField, ErrMissingField, "event_id"},
		{"missing occurred_at", `{"event_id":"ev1"}`, ir.CodeMissingField, ErrMissingField, "occurred_at"},
		{"empty event_id", `{"event_id":"","occurred_at":"2025-01-01T10:00:00Z"}`, ir.CodeMissingField, ErrMissingField, "event_id"},
		{"bad timestamp", `{"event_id":"ev1","occurred_at":"yesterday"}`, ir.CodeMissingField, ErrMissingField, "occurred_at"},
		{"unknown field", `{"event_id":"ev1","occurred_at":"2025-01-01T10:00:00Z","amount":5}`, ir.CodeInvalidEvent, ErrInvalidEvent, ""},
		{"bad type", `{"event_id":"ev1","occurred_at":"2025-01-01T10:00:00Z","type":"chargeback"}`, ir.CodeInvalidEvent, ErrInvalidEvent, ""},
		{"string amount", `{"event_id":"ev1","occurred_at":"2025-01-01T10:00:00Z","amount_minor":"12"}`, ir.CodeInvalidEvent, ErrInvalidEvent, ""},
		{"not an object", `[1,2]`, ir.CodeInvalidEvent, ErrInvalidEvent, ""},
		{"not JSON", `{"event_id":`, ir.CodeInvalidEvent, ErrInvalidEvent, ""},
		{"trailing data", `{"event_id":"ev1","occurred_at":"2025-01-01T10:00:00Z"} {}`, ir.CodeInvalidEvent, ErrInvalidEvent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			l := newTestLedger(t, s)

			_, err := l.Ingest(context.Background(), []byte(tt.raw), "k")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.code, Code(err))

			var re *RejectError
			require.True(t, errors.As(err, &re))
			if tt.field != "" {
				assert.Equal(t, tt.field, re.Field)
			}

			stored, err := s.ReadIngress(context.Background(), "acme", testWindow)
			require.NoError(t, err)
			assert.Empty(t, stored, "nothing is appended on rejection")
		})
	}
}

func TestIngest_NonIntegralAmountIsAccepted(t *testing.T) {
	s := newTestStore(t)
	l := newTestLedger(t, s)

	rec, err := l.Ingest(context.Background(), []byte(`{"event_id":"ev1","amount_minor":10.5,"occurred_at":"2025-01-01T10:00:00Z"}`), "")
	require.NoError(t, err)
	assert.Equal(t, json.Number("10.5"), rec.AmountMinor, "validation, not ingestion, tags non-integral amounts")
}

func TestRoute_StableAndBucketed(t *testing.T) {
	s := newTestStore(t)
	l := newTestLedger(t, s)

	b1, p1, err := l.Route("2025-01-01T10:59:59+00:00")
	require.NoError(t, err)
	b2, p2, err := l.Route("2025-01-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
	assert.Equal(t, p1, p2)

	b3, _, err := l.Route("2025-01-01T12:30:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01T10:00:00Z", b3, "buckets are computed in UTC")
}

func TestNewLedger_RequiresWindow(t *testing.T) {
	_, err := NewLedger(context.Background(), newTestStore(t), Options{Tenant: "acme"})
	assert.Error(t, err)
}
