package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "main"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	rec := &SessionRecord{
		Tenant:      "main",
		UserID:      7,
		Credentials: `{"axd_token":"acc"}`,
	}
	if err := s.PutSession(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != 7 || got.Credentials != rec.Credentials {
		t.Fatalf("got = %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("updated_at not set")
	}
}

func TestPutSessionUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, creds := range []string{`{"v":1}`, `{"v":2}`} {
		err := s.PutSession(ctx, &SessionRecord{
			Tenant:      "main",
			UserID:      int64(i),
			Credentials: creds,
			UpdatedAt:   time.Now().UTC(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetSession(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if got.Credentials != `{"v":2}` || got.UserID != 1 {
		t.Fatalf("got = %+v, want second write", got)
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutSession(ctx, &SessionRecord{Tenant: "main", Credentials: "{}"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSession(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(ctx, "main"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	// Deleting a missing session is not an error.
	if err := s.DeleteSession(ctx, "main"); err != nil {
		t.Fatal(err)
	}
}

func TestKV(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "popup.name"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.Put(ctx, "popup.name", "mentor-popup-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "popup.name", "mentor-popup-2"); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(ctx, "popup.name")
	if err != nil {
		t.Fatal(err)
	}
	if v != "mentor-popup-2" {
		t.Fatalf("v = %q", v)
	}
	if err := s.Delete(ctx, "popup.name"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "popup.name"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAuthEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	kinds := []string{"refresh", "redirect", "user_switch"}
	for _, k := range kinds {
		ev := &AuthEvent{Tenant: "main", UserID: 7, Kind: k}
		if err := s.LogAuthEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
		if ev.ID == 0 {
			t.Fatal("event ID not assigned")
		}
	}
	if err := s.LogAuthEvent(ctx, &AuthEvent{Tenant: "other", Kind: "refresh"}); err != nil {
		t.Fatal(err)
	}

	events, err := s.ListAuthEvents(ctx, "main", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	// Newest first.
	if events[0].Kind != "user_switch" {
		t.Fatalf("events[0].Kind = %q", events[0].Kind)
	}

	events, err = s.ListAuthEvents(ctx, "main", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("limit ignored: got %d", len(events))
	}
}
