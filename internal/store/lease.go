package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Lease is the persisted writer-lease row for a window.
// Timestamps are canonical ir timestamps, so string comparison is
// chronological comparison.
type Lease struct {
	Window        string `json:"window"`
	Holder        string `json:"holder"`
	Token         string `json:"token"`
	ExpiresAt     string `json:"expires_at"`
	ConflictUntil string `json:"conflict_until,omitempty"`
}

// Live reports whether the lease is held at now.
func (l Lease) Live(now string) bool {
	return l.Holder != "" && l.ExpiresAt > now
}

// Blocked reports whether a simulated conflict cool-down is active at now.
func (l Lease) Blocked(now string) bool {
	return l.ConflictUntil != "" && l.ConflictUntil > now
}

// GetLease returns the lease row for a window, or ErrNotFound.
func (s *Store) GetLease(ctx context.Context, window string) (Lease, error) {
	return getLease(ctx, s.db, window)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getLease(ctx context.Context, q queryRower, window string) (Lease, error) {
	l := Lease{Window: window}
	err := q.QueryRowContext(ctx, `
		SELECT holder, token, expires_at, conflict_until
		FROM writer_leases
		WHERE window_id = ?
	`, window).Scan(&l.Holder, &l.Token, &l.ExpiresAt, &l.ConflictUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, fmt.Errorf("lease %s: %w", window, ErrNotFound)
	}
	if err != nil {
		return Lease{}, fmt.Errorf("lease %s: %w", window, err)
	}
	return l, nil
}

// TryAcquireLease installs want as the window's lease unless another holder's
// lease is live at now or a conflict cool-down is active. The same holder may
// renew its own live lease. Returns the lease in force after the call and
// whether want was installed.
func (s *Store) TryAcquireLease(ctx context.Context, want Lease, now string) (Lease, bool, error) {
	var (
		current  Lease
		acquired bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getLease(ctx, tx, want.Window)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			if existing.Blocked(now) || (existing.Live(now) && existing.Holder != want.Holder) {
				current = existing
				return nil
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO writer_leases (window_id, holder, token, expires_at, conflict_until)
			VALUES (?, ?, ?, ?, '')
			ON CONFLICT(window_id) DO UPDATE SET
				holder = excluded.holder,
				token = excluded.token,
				expires_at = excluded.expires_at,
				conflict_until = ''
		`, want.Window, want.Holder, want.Token, want.ExpiresAt); err != nil {
			return fmt.Errorf("acquire lease %s: %w", want.Window, err)
		}
		current = want
		current.ConflictUntil = ""
		acquired = true
		return nil
	})
	if err != nil {
		return Lease{}, false, err
	}
	return current, acquired, nil
}

// ReleaseLease clears the lease if token still owns it.
// Returns whether a lease was released.
func (s *Store) ReleaseLease(ctx context.Context, window, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE writer_leases SET holder = '', token = '', expires_at = ''
		WHERE window_id = ? AND token = ? AND token != ''
	`, window, token)
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", window, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", window, err)
	}
	return n > 0, nil
}

// MarkLeaseConflict drops any holder and blocks acquisition until the given
// timestamp.
func (s *Store) MarkLeaseConflict(ctx context.Context, window, until string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO writer_leases (window_id, holder, token, expires_at, conflict_until)
		VALUES (?, '', '', '', ?)
		ON CONFLICT(window_id) DO UPDATE SET
			holder = '',
			token = '',
			expires_at = '',
			conflict_until = excluded.conflict_until
	`, window, until); err != nil {
		return fmt.Errorf("mark lease conflict %s: %w", window, err)
	}
	return nil
}
