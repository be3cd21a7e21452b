// Package httpapi exposes event ingestion over HTTP.
//
//	POST /v1/windows/{window}/events        one JSON event, 201 + IngressRecord
//	POST /v1/windows/{window}/events:batch  NDJSON, 202 + job token and line results
//	GET  /healthz
//
// Idempotency keys travel in the Idempotency-Key header. Rejections are 400
// with the ingest reason code; nothing is appended for them.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/roach88/vgomini/internal/ingest"
	"github.com/roach88/vgomini/internal/store"
)

// DefaultMaxBodyBytes caps request bodies.
const DefaultMaxBodyBytes = 8 << 20

// Options configures a Server.
type Options struct {
	Tenant      string
	Partitions  int
	BucketWidth time.Duration

	// Leases, when set, makes the server hold each window's writer lease
	// while it appends. Holder defaults to a fresh "httpapi-<uuid>".
	Leases *ingest.LeaseManager
	Holder string

	// RatePerSec <= 0 disables the ingestion limiter.
	RatePerSec float64
	Burst      int

	MaxBodyBytes int64

	Clock  ingest.Clock
	IDs    ingest.IDGenerator
	Logger *slog.Logger
}

// Server routes ingestion requests to one ledger per window.
type Server struct {
	store   *store.Store
	opts    Options
	log     *slog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	ledgers map[string]*ingest.Ledger
	leases  map[string]store.Lease
}

// New creates a Server over s.
func New(s *store.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Holder == "" {
		opts.Holder = "httpapi-" + uuid.NewString()
	}
	srv := &Server{
		store:   s,
		opts:    opts,
		log:     opts.Logger.With("component", "httpapi"),
		ledgers: map[string]*ingest.Ledger{},
		leases:  map[string]store.Lease{},
	}
	if opts.RatePerSec > 0 {
		srv.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst)
	}
	return srv
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1/windows/{window}", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/events", s.handleEvent)
		r.Post("/events:batch", s.handleBatch)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down and releases
// any writer leases the server holds.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	hs := &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := hs.Shutdown(shutdownCtx)
		s.Close(shutdownCtx)
		return err
	}
}

// Close releases held leases.
func (s *Server) Close(ctx context.Context) {
	if s.opts.Leases == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for window, l := range s.leases {
		if err := s.opts.Leases.Release(ctx, l); err != nil {
			s.log.Warn("lease release failed", "window", window, "error", err)
		}
		delete(s.leases, window)
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, ErrorDetail{Code: CodeRateLimited, Message: "ingestion rate exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	l, err := s.ledger(r.Context(), chi.URLParam(r, "window"))
	if err != nil {
		s.writeIngestError(w, err)
		return
	}

	rec, err := l.Ingest(r.Context(), body, r.Header.Get("Idempotency-Key"))
	if err != nil {
		s.writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	l, err := s.ledger(r.Context(), chi.URLParam(r, "window"))
	if err != nil {
		s.writeIngestError(w, err)
		return
	}

	batch, err := l.IngestBatch(r.Context(), body, r.Header.Get("Idempotency-Key"))
	if err != nil {
		s.writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batch)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrorDetail{
				Code:    CodePayloadTooLarge,
				Message: fmt.Sprintf("body exceeds %d bytes", s.opts.MaxBodyBytes),
			})
			return nil, false
		}
		writeError(w, http.StatusBadRequest, ErrorDetail{Code: CodeInternal, Message: err.Error()})
		return nil, false
	}
	return body, true
}

// ledger returns the window's ledger, creating it on first use. With leases
// enabled every call acquires or renews the lease first.
func (s *Server) ledger(ctx context.Context, window string) (*ingest.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.Leases != nil {
		l, err := s.opts.Leases.Acquire(ctx, window, s.opts.Holder)
		if err != nil {
			return nil, err
		}
		s.leases[window] = l
	}

	if l, ok := s.ledgers[window]; ok {
		return l, nil
	}
	l, err := ingest.NewLedger(ctx, s.store, ingest.Options{
		Tenant:      s.opts.Tenant,
		Window:      window,
		Partitions:  s.opts.Partitions,
		BucketWidth: s.opts.BucketWidth,
		Clock:       s.opts.Clock,
		IDs:         s.opts.IDs,
		Logger:      s.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.ledgers[window] = l
	return l, nil
}

func (s *Server) writeIngestError(w http.ResponseWriter, err error) {
	var re *ingest.RejectError
	if errors.As(err, &re) {
		d := ErrorDetail{Code: re.Code, Message: re.Message, Field: re.Field}
		if re.Line >= 0 {
			line := re.Line
			d.Line = &line
		}
		writeError(w, http.StatusBadRequest, d)
		return
	}

	var le *ingest.LeaseError
	if errors.As(err, &le) {
		writeError(w, http.StatusConflict, ErrorDetail{Code: le.Code, Message: le.Error()})
		return
	}

	s.log.Error("ingest failed", "error", err)
	writeError(w, http.StatusInternalServerError, ErrorDetail{Code: CodeInternal, Message: "internal error"})
}
