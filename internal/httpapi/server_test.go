package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vgomini/internal/ingest"
	"github.com/roach88/vgomini/internal/ir"
	"github.com/roach88/vgomini/internal/store"
	"github.com/roach88/vgomini/internal/testutil"
)

const ev1 = `{"event_id":"ev1","principal_id":"P1","amount_minor":1230,"type":"order","occurred_at":"2025-01-01T10:00:00Z"}`

func setupServer(t *testing.T, opts Options) (*httptest.Server, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	opts.Tenant = "acme"
	if opts.Clock == nil {
		opts.Clock = testutil.NewSteppingClock(time.Time{}, time.Second)
	}
	if opts.IDs == nil {
		opts.IDs = testutil.NewSequenceIDs("job")
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	ts := httptest.NewServer(New(s, opts).Routes())
	t.Cleanup(ts.Close)
	return ts, s
}

func post(t *testing.T, url, body, key string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	ts, _ := setupServer(t, Options{})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPostEvent(t *testing.T) {
	ts, s := setupServer(t, Options{})

	resp := post(t, ts.URL+"/v1/windows/2025-01/events", ev1, "k1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decode[ir.IngressRecord](t, resp)
	assert.Equal(t, "ev1", rec.EventID)
	assert.Equal(t, "k1", rec.IdempotencyKey)
	assert.False(t, rec.Replayed)
	assert.Equal(t, int64(1), rec.Seq)

	// A client retry is appended and flagged.
	resp = post(t, ts.URL+"/v1/windows/2025-01/events", ev1, "k1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, decode[ir.IngressRecord](t, resp).Replayed)

	records, err := s.ReadIngress(context.Background(), "acme", "2025-01")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestPostEventRejected(t *testing.T) {
	ts, s := setupServer(t, Options{})

	tests := []struct {
		name string
		body string
		code string
	}{
		{"not json", `{"event_id":`, ir.CodeInvalidEvent},
		{"missing event_id", `{"occurred_at":"2025-01-01T10:00:00Z"}`, ir.CodeMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+"/v1/windows/2025-01/events", tt.body, "")
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[ErrorBody](t, resp)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.True(t, strings.HasPrefix(body.RequestID, "req_"))
		})
	}

	records, err := s.ReadIngress(context.Background(), "acme", "2025-01")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPostBatch(t *testing.T) {
	ts, _ := setupServer(t, Options{IDs: testutil.NewSequenceIDs("job", "job-abc")})

	payload := ev1 + "\n\n" + `{"principal_id":"P2","occurred_at":"2025-01-01T11:00:00Z"}` + "\n"
	resp := post(t, ts.URL+"/v1/windows/2025-01/events:batch", payload, "b1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	batch := decode[ingest.Batch](t, resp)
	assert.Equal(t, "job-abc", batch.JobID)
	assert.Equal(t, 1, batch.Accepted)
	assert.Equal(t, 1, batch.Rejected)
	require.Len(t, batch.Lines, 2)
	assert.Equal(t, 0, batch.Lines[0].Line)
	assert.Equal(t, "b1#0", batch.Lines[0].Record.IdempotencyKey)
	assert.Equal(t, 2, batch.Lines[1].Line)
	assert.Equal(t, ir.CodeMissingField, batch.Lines[1].Code)
}

func TestPostBatchMalformed(t *testing.T) {
	ts, s := setupServer(t, Options{})

	resp := post(t, ts.URL+"/v1/windows/2025-01/events:batch", ev1+"\nnot-json\n", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorBody](t, resp)
	assert.Equal(t, ir.CodeMalformedBatch, body.Error.Code)
	require.NotNil(t, body.Error.Line)
	assert.Equal(t, 1, *body.Error.Line)

	records, err := s.ReadIngress(context.Background(), "acme", "2025-01")
	require.NoError(t, err)
	assert.Empty(t, records, "a malformed batch appends nothing")
}

func TestPayloadTooLarge(t *testing.T) {
	ts, _ := setupServer(t, Options{MaxBodyBytes: 16})

	resp := post(t, ts.URL+"/v1/windows/2025-01/events", ev1, "")
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, CodePayloadTooLarge, decode[ErrorBody](t, resp).Error.Code)
}

func TestRateLimited(t *testing.T) {
	ts, _ := setupServer(t, Options{RatePerSec: 0.001, Burst: 1})

	first := post(t, ts.URL+"/v1/windows/2025-01/events", ev1, "k1")
	assert.Equal(t, http.StatusCreated, first.StatusCode)

	second := post(t, ts.URL+"/v1/windows/2025-01/events", ev1, "k1")
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, CodeRateLimited, decode[ErrorBody](t, second).Error.Code)

	// Health checks are not limited.
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLeaseHeldByOtherWriter(t *testing.T) {
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewFixedClock(time.Time{})
	leases := ingest.NewLeaseManager(s, clock, testutil.NewSequenceIDs("tok"), time.Minute)
	_, err = leases.Acquire(context.Background(), "2025-01", "batch-loader")
	require.NoError(t, err)

	srv := New(s, Options{
		Tenant: "acme",
		Leases: leases,
		Holder: "api",
		Clock:  clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	resp := post(t, ts.URL+"/v1/windows/2025-01/events", ev1, "k1")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, ir.CodeLeaseHeld, decode[ErrorBody](t, resp).Error.Code)

	// Another window is free.
	resp = post(t, ts.URL+"/v1/windows/2025-02/events", ev1, "k1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	st, err := leases.Status(context.Background(), "2025-02")
	require.NoError(t, err)
	assert.Equal(t, "api", st.Lease.Holder)

	srv.Close(context.Background())
	st, err = leases.Status(context.Background(), "2025-02")
	require.NoError(t, err)
	assert.False(t, st.Live)
}
