package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/vgomini/internal/ir"
	"github.com/roach88/vgomini/internal/store"
)

const (
	// DefaultLeaseTTL is how long a writer lease lives without renewal.
	DefaultLeaseTTL = 60 * time.Second

	// ConflictCoolDown is how long a simulated conflict blocks acquisition.
	ConflictCoolDown = 15 * time.Second
)

// LeaseStore persists writer leases. *store.Store implements it.
type LeaseStore interface {
	GetLease(ctx context.Context, window string) (store.Lease, error)
	TryAcquireLease(ctx context.Context, want store.Lease, now string) (store.Lease, bool, error)
	ReleaseLease(ctx context.Context, window, token string) (bool, error)
	MarkLeaseConflict(ctx context.Context, window, until string) error
}

// LeaseError reports a refused acquisition.
type LeaseError struct {
	Code    string
	Window  string
	Holder  string
	Until   string
	Blocked bool
}

// Error implements the error interface.
func (e *LeaseError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("%s: window %s is in conflict cool-down until %s", e.Code, e.Window, e.Until)
	}
	return fmt.Sprintf("%s: window %s is held by %s until %s", e.Code, e.Window, e.Holder, e.Until)
}

// Unwrap returns ErrLeaseHeld.
func (e *LeaseError) Unwrap() error { return ErrLeaseHeld }

// LeaseStatus describes a window's lease at a point in time.
type LeaseStatus struct {
	Lease     store.Lease   `json:"lease"`
	Live      bool          `json:"live"`
	Blocked   bool          `json:"blocked"`
	Remaining time.Duration `json:"remaining"`
}

// LeaseManager grants the cooperative single-active-writer token.
// Expiry is evaluated against the clock on every call; there is no timer.
type LeaseManager struct {
	store LeaseStore
	clock Clock
	ids   IDGenerator
	ttl   time.Duration
}

// NewLeaseManager creates a manager. Zero ttl uses DefaultLeaseTTL; nil clock
// and ids use the system clock and UUIDv7.
func NewLeaseManager(s LeaseStore, clock Clock, ids IDGenerator, ttl time.Duration) *LeaseManager {
	if clock == nil {
		clock = systemClock{}
	}
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &LeaseManager{store: s, clock: clock, ids: ids, ttl: ttl}
}

// Acquire grants holder the lease for window, or renews it when holder
// already owns it. Returns a *LeaseError wrapping ErrLeaseHeld when another
// holder's lease is live or a conflict cool-down is active.
func (m *LeaseManager) Acquire(ctx context.Context, window, holder string) (store.Lease, error) {
	now := m.clock.Now()
	want := store.Lease{
		Window:    window,
		Holder:    holder,
		Token:     m.ids.Generate(),
		ExpiresAt: ir.FormatTimestamp(now.Add(m.ttl)),
	}

	current, ok, err := m.store.TryAcquireLease(ctx, want, ir.FormatTimestamp(now))
	if err != nil {
		return store.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		nowStr := ir.FormatTimestamp(now)
		if current.Blocked(nowStr) {
			return store.Lease{}, &LeaseError{Code: ir.CodeLeaseConflict, Window: window, Until: current.ConflictUntil, Blocked: true}
		}
		return store.Lease{}, &LeaseError{Code: ir.CodeLeaseHeld, Window: window, Holder: current.Holder, Until: current.ExpiresAt}
	}
	return current, nil
}

// Release gives up the lease if it is still owned by lease.Token.
func (m *LeaseManager) Release(ctx context.Context, lease store.Lease) error {
	if _, err := m.store.ReleaseLease(ctx, lease.Window, lease.Token); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Conflict simulates a writer conflict: the current holder is dropped and
// acquisition is refused for ConflictCoolDown.
func (m *LeaseManager) Conflict(ctx context.Context, window string) error {
	until := ir.FormatTimestamp(m.clock.Now().Add(ConflictCoolDown))
	if err := m.store.MarkLeaseConflict(ctx, window, until); err != nil {
		return fmt.Errorf("lease conflict: %w", err)
	}
	return nil
}

// Status reports the window's lease as seen now.
func (m *LeaseManager) Status(ctx context.Context, window string) (LeaseStatus, error) {
	l, err := m.store.GetLease(ctx, window)
	if errors.Is(err, store.ErrNotFound) {
		return LeaseStatus{Lease: store.Lease{Window: window}}, nil
	}
	if err != nil {
		return LeaseStatus{}, fmt.Errorf("lease status: %w", err)
	}

	now := m.clock.Now()
	nowStr := ir.FormatTimestamp(now)
	st := LeaseStatus{Lease: l, Live: l.Live(nowStr), Blocked: l.Blocked(nowStr)}
	if st.Live {
		if exp, err := ir.ParseTimestamp(l.ExpiresAt); err == nil {
			st.Remaining = exp.Sub(now)
		}
	}
	return st, nil
}
