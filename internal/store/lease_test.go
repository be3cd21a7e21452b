package store

import (
	"context"
	"errors"
	"testing"
)

const (
	t0 = "2025-01-01T10:00:00.000Z"
	t1 = "2025-01-01T10:00:30.000Z"
	t2 = "2025-01-01T10:01:30.000Z"
)

func TestTryAcquireLease_FreshWindow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	got, ok, err := s.TryAcquireLease(ctx, Lease{Window: "w", Holder: "a", Token: "tok-a", ExpiresAt: "2025-01-01T10:01:00.000Z"}, t0)
	if err != nil {
		t.Fatalf("TryAcquireLease failed: %v", err)
	}
	if !ok || got.Holder != "a" {
		t.Errorf("acquire = %+v, %v", got, ok)
	}
}

func TestTryAcquireLease_HeldByOther(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	exp := "2025-01-01T10:01:00.000Z"

	if _, ok, err := s.TryAcquireLease(ctx, Lease{Window: "w", Holder: "a", Token: "tok-a", ExpiresAt: exp}, t0); err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	got, ok, err := s.TryAcquireLease(ctx, Lease{Window: "w", Holder: "b", Token: "tok-b", ExpiresAt: t2}, t1)
	if err != nil {
		t.Fatalf("TryAcquireLease failed: %v", err)
	}
	if ok {
		t.Fatal("second holder acquired a live lease")
	}
	if got.Holder != "a" {
		t.Errorf("current holder = %q, want a", got.Holder)
	}

	// The owner may renew.
	if _, ok, err := s.TryAcquireLease(ctx, Lease{Window: "w", Holder: "a", Token: "tok-a2", ExpiresAt: t2}, t1); err != nil || !ok {
		t.Errorf("renew: ok=%v err=%v", ok, err)
	}
}

func TestTryAcquireLease_AfterExpiry(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, _, err := s.TryAcquireLease(ctx, Lease{Window: "w", Holder: "a", Token: "tok-a", ExpiresAt: t1}, t0); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	got, ok, err := s.TryAcquireLease(ctx, Lease{Window: "w", Holder: "b", Token: "tok-b", ExpiresAt: "2025-01-01T10:05:00.000Z"}, t2)
	if err != nil {
		t.Fatalf("TryAcquireLease failed: %v", err)
	}
	if !ok || got.Holder != "b" {
		t.Errorf("expired lease not taken over: %+v, %v", got, ok)
	}
}

func TestReleaseLease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, _, err := s.TryAcquireLease(ctx, Lease{Window: "w", Holder: "a", Token: "tok-a", ExpiresAt: t2}, t0); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	released, err := s.ReleaseLease(ctx, "w", "wrong")
	if err != nil || released {
		t.Errorf("release with wrong token: released=%v err=%v", released, err)
	}
	released, err = s.ReleaseLease(ctx, "w", "tok-a")
	if err != nil || !released {
		t.Errorf("release: released=%v err=%v", released, err)
	}

	l, err := s.GetLease(ctx, "w")
	if err != nil {
		t.Fatalf("GetLease failed: %v", err)
	}
	if l.Live(t1) {
		t.Errorf("released lease still live: %+v", l)
	}
}

func TestMarkLeaseConflict_BlocksUntilCoolDown(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.MarkLeaseConflict(ctx, "w", t1); err != nil {
		t.Fatalf("MarkLeaseConflict failed: %v", err)
	}

	want := Lease{Window: "w", Holder: "a", Token: "tok-a", ExpiresAt: t2}
	if _, ok, err := s.TryAcquireLease(ctx, want, t0); err != nil || ok {
		t.Errorf("acquire during cool-down: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.TryAcquireLease(ctx, want, t1); err != nil || !ok {
		t.Errorf("acquire after cool-down: ok=%v err=%v", ok, err)
	}
}

func TestGetLease_NotFound(t *testing.T) {
	s := createTestStore(t)

	if _, err := s.GetLease(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
