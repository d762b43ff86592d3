package opstate

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state", "opstate_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get(context.Background(), "ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetGetHas(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "mail_processed", "5d41402abc4b2a76b9719d911017c592", "1"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	val, err := s.Get(ctx, "mail_processed", "5d41402abc4b2a76b9719d911017c592")
	if err != nil || val != "1" {
		t.Errorf("Get() = %q, %v; want %q", val, err, "1")
	}
	ok, err := s.Has(ctx, "mail_processed", "5d41402abc4b2a76b9719d911017c592")
	if err != nil || !ok {
		t.Errorf("Has() = %v, %v; want true", ok, err)
	}
	ok, _ = s.Has(ctx, "other", "5d41402abc4b2a76b9719d911017c592")
	if ok {
		t.Error("Has() in another namespace = true, want false")
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Set(ctx, "ns", "key", "v1")
	s.Set(ctx, "ns", "key", "v2")

	val, _ := s.Get(ctx, "ns", "key")
	if val != "v2" {
		t.Errorf("Get() = %q, want %q", val, "v2")
	}
	if n, _ := s.Count(ctx, "ns"); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Set(ctx, "ns", "key", "v")
	if err := s.Delete(ctx, "ns", "key"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if ok, _ := s.Has(ctx, "ns", "key"); ok {
		t.Error("Has() after Delete = true")
	}
	if err := s.Delete(ctx, "ns", "key"); err != nil {
		t.Errorf("Delete() of missing key error: %v", err)
	}
}

func TestSetTTL_ExpiresAndPrunes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.SetTTL(ctx, "ns", "short", "1", time.Minute); err != nil {
		t.Fatalf("SetTTL() error: %v", err)
	}
	s.Set(ctx, "ns", "forever", "1")

	if ok, _ := s.Has(ctx, "ns", "short"); !ok {
		t.Fatal("Has(short) before expiry = false")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := s.Has(ctx, "ns", "short"); ok {
		t.Error("Has(short) after expiry = true")
	}
	if n, _ := s.Count(ctx, "ns"); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}

	removed, err := s.Prune(ctx, "ns")
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune() removed %d, want 1", removed)
	}
	if ok, _ := s.Has(ctx, "ns", "forever"); !ok {
		t.Error("Has(forever) after Prune = false")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Set(ctx, "mail_processed", "fp", "1")
	s.Close()

	s, err = NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if ok, _ := s.Has(ctx, "mail_processed", "fp"); !ok {
		t.Error("entry lost after reopen")
	}
}
