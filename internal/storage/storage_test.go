package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sessiond/internal/database"
	"sessiond/internal/models"
)

// The same suite runs against every adapter so the backends stay
// interchangeable. Memory and file run unconditionally; network backends
// need their test URL exported and skip otherwise.

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		path := filepath.Join(t.TempDir(), "sessions.db")
		store, err := NewSQLiteStore(path, NewCodec(nil))
		if err != nil {
			t.Fatalf("failed to open sqlite store: %v", err)
		}
		return store
	})
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("SESSIOND_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SESSIOND_TEST_REDIS_URL not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		store, err := NewRedisStore(url, NewCodec(nil))
		if err != nil {
			t.Fatalf("failed to open redis store: %v", err)
		}
		return store
	})
}

func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("SESSIOND_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("SESSIOND_TEST_MYSQL_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		db, err := database.New(dsn)
		if err != nil {
			t.Fatalf("failed to connect to mysql: %v", err)
		}
		if err := db.Initialize(); err != nil {
			t.Fatalf("failed to initialize schema: %v", err)
		}
		return NewMySQLStore(db, NewCodec(nil))
	})
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("SESSIOND_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("SESSIOND_TEST_MONGO_URI not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		db, err := database.NewMongoDB(uri)
		if err != nil {
			t.Fatalf("failed to connect to mongodb: %v", err)
		}
		return NewMongoStore(db, NewCodec(nil))
	})
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("TenantIsolation", func(t *testing.T) { testTenantIsolation(t, newStore(t)) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDeleteIdempotent(t, newStore(t)) })
	t.Run("ListOrderAndLimit", func(t *testing.T) { testListOrderAndLimit(t, newStore(t)) })
	t.Run("CleanupIdle", func(t *testing.T) { testCleanupIdle(t, newStore(t)) })
	t.Run("CleanupDeadline", func(t *testing.T) { testCleanupDeadline(t, newStore(t)) })
	t.Run("ConditionalSave", func(t *testing.T) { testConditionalSave(t, newStore(t)) })
	t.Run("InvalidSave", func(t *testing.T) { testInvalidSave(t, newStore(t)) })
	t.Run("CompositeIDBoundaries", func(t *testing.T) { testCompositeIDBoundaries(t, newStore(t)) })
}

// uniqueTenant keeps suite runs against shared network backends from
// seeing each other's records.
func uniqueTenant(name string) string {
	return fmt.Sprintf("tenant-%s-%d", name, time.Now().UnixNano())
}

func newSession(tenantID, sessionID string) *models.Session {
	now := time.Now().UTC()
	return &models.Session{
		ID:       sessionID,
		TenantID: tenantID,
		History: []models.Message{
			models.NewTextMessage(models.RoleUser, "what is the capital of France?"),
			models.NewTextMessage(models.RoleAssistant, "Paris."),
		},
		Metadata: map[string]any{
			"inputTokens": float64(12),
			"tags":        []any{"geo"},
		},
		Version:        1,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func testRoundTrip(t *testing.T, store Store) {
	defer store.Close()
	ctx := context.Background()
	tenant := uniqueTenant("roundtrip")

	want := newSession(tenant, "sess-1")
	exp := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	want.ExpiresAt = &exp

	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, err := store.Load(ctx, "sess-1", tenant)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.ID != want.ID || got.TenantID != want.TenantID {
		t.Errorf("identity mismatch: got (%s,%s), want (%s,%s)", got.ID, got.TenantID, want.ID, want.TenantID)
	}
	if got.Version != want.Version {
		t.Errorf("version = %d, want %d", got.Version, want.Version)
	}
	if len(got.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(got.History))
	}
	if got.History[0].Role != models.RoleUser || got.History[1].Role != models.RoleAssistant {
		t.Error("history order not preserved")
	}
	if got.History[1].Text() != "Paris." {
		t.Errorf("history content = %q, want %q", got.History[1].Text(), "Paris.")
	}
	if got.Metadata["inputTokens"] != float64(12) {
		t.Errorf("metadata inputTokens = %v, want 12", got.Metadata["inputTokens"])
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("expiresAt = %v, want %v", got.ExpiresAt, exp)
	}

	// Overwrite fully replaces.
	want.History = append(want.History, models.NewTextMessage(models.RoleUser, "and Spain?"))
	want.Version = 2
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("overwrite Save() failed: %v", err)
	}
	got, err = store.Load(ctx, "sess-1", tenant)
	if err != nil {
		t.Fatalf("Load() after overwrite failed: %v", err)
	}
	if len(got.History) != 3 || got.Version != 2 {
		t.Errorf("overwrite not applied: history=%d version=%d", len(got.History), got.Version)
	}
}

func testTenantIsolation(t *testing.T, store Store) {
	defer store.Close()
	ctx := context.Background()
	tenantA := uniqueTenant("iso-a")
	tenantB := uniqueTenant("iso-b")

	if err := store.Save(ctx, newSession(tenantA, "shared-id")); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	// The other tenant must not see the session, and the miss must look
	// exactly like true absence.
	if _, err := store.Load(ctx, "shared-id", tenantB); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant Load() error = %v, want ErrNotFound", err)
	}
	if _, err := store.Load(ctx, "never-existed", tenantB); !errors.Is(err, ErrNotFound) {
		t.Errorf("absent Load() error = %v, want ErrNotFound", err)
	}

	sessions, err := store.List(ctx, tenantB, 10)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("tenant B sees %d sessions, want 0", len(sessions))
	}

	// Deleting under the wrong tenant must not touch the record.
	if err := store.Delete(ctx, "shared-id", tenantB); err != nil {
		t.Fatalf("cross-tenant Delete() failed: %v", err)
	}
	if _, err := store.Load(ctx, "shared-id", tenantA); err != nil {
		t.Errorf("session disappeared after cross-tenant delete: %v", err)
	}
}

func testDeleteIdempotent(t *testing.T, store Store) {
	defer store.Close()
	ctx := context.Background()
	tenant := uniqueTenant("delete")

	if err := store.Save(ctx, newSession(tenant, "sess-1")); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if err := store.Delete(ctx, "sess-1", tenant); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Load(ctx, "sess-1", tenant); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after delete = %v, want ErrNotFound", err)
	}
	// Second delete of the same id and a delete of something that never
	// existed are both fine.
	if err := store.Delete(ctx, "sess-1", tenant); err != nil {
		t.Errorf("repeat Delete() failed: %v", err)
	}
	if err := store.Delete(ctx, "never-existed", tenant); err != nil {
		t.Errorf("Delete() of absent session failed: %v", err)
	}
}

func testListOrderAndLimit(t *testing.T, store Store) {
	defer store.Close()
	ctx := context.Background()
	tenant := uniqueTenant("list")

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		s := newSession(tenant, fmt.Sprintf("sess-%d", i))
		s.LastActivityAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Save(ctx, s); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	sessions, err := store.List(ctx, tenant, 10)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(sessions) != 5 {
		t.Fatalf("List() returned %d sessions, want 5", len(sessions))
	}
	for i := 1; i < len(sessions); i++ {
		if sessions[i].LastActivityAt.After(sessions[i-1].LastActivityAt) {
			t.Errorf("List() not ordered by last activity descending at index %d", i)
		}
	}
	if sessions[0].ID != "sess-4" {
		t.Errorf("most recent session = %s, want sess-4", sessions[0].ID)
	}

	limited, err := store.List(ctx, tenant, 2)
	if err != nil {
		t.Fatalf("List() with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("List(limit=2) returned %d sessions", len(limited))
	}

	// A nonsensical limit falls back to the default bound instead of an
	// unbounded scan.
	fallback, err := store.List(ctx, tenant, -1)
	if err != nil {
		t.Fatalf("List() with negative limit failed: %v", err)
	}
	if len(fallback) != 5 {
		t.Errorf("List(limit=-1) returned %d sessions, want 5", len(fallback))
	}
}

func testCleanupIdle(t *testing.T, store Store) {
	defer store.Close()
	ctx := context.Background()
	tenant := uniqueTenant("cleanup-idle")

	stale := newSession(tenant, "stale")
	stale.LastActivityAt = time.Now().UTC().Add(-2 * time.Hour)
	fresh := newSession(tenant, "fresh")
	for _, s := range []*models.Session{stale, fresh} {
		if err := store.Save(ctx, s); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	removed, err := store.Cleanup(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Cleanup() failed: %v", err)
	}
	if removed < 1 {
		t.Errorf("Cleanup() removed %d, want at least 1", removed)
	}
	if _, err := store.Load(ctx, "stale", tenant); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale session survived cleanup: %v", err)
	}
	if _, err := store.Load(ctx, "fresh", tenant); err != nil {
		t.Errorf("fresh session removed by cleanup: %v", err)
	}
}

func testCleanupDeadline(t *testing.T, store Store) {
	defer store.Close()
	ctx := context.Background()
	tenant := uniqueTenant("cleanup-ttl")

	expired := newSession(tenant, "expired")
	past := time.Now().UTC().Add(-time.Minute)
	expired.ExpiresAt = &past
	if err := store.Save(ctx, expired); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	// Active recently but past its absolute deadline: cleanup with a very
	// old idle cutoff must still take it. Backends with native TTL may
	// have dropped it already, so only the post-state is asserted.
	if _, err := store.Cleanup(ctx, time.Now().UTC().Add(-24*time.Hour)); err != nil {
		t.Fatalf("Cleanup() failed: %v", err)
	}
	if _, err := store.Load(ctx, "expired", tenant); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired session survived cleanup: %v", err)
	}
}

func testConditionalSave(t *testing.T, store Store) {
	defer store.Close()
	ctx := context.Background()
	tenant := uniqueTenant("cas")

	s := newSession(tenant, "sess-1")
	if err := store.SaveCAS(ctx, s, 0); err != nil {
		t.Fatalf("SaveCAS(expected=0) on absent session failed: %v", err)
	}

	// Create-if-absent loses once the record exists.
	dup := newSession(tenant, "sess-1")
	if err := store.SaveCAS(ctx, dup, 0); !errors.Is(err, ErrConflict) {
		t.Errorf("SaveCAS(expected=0) on existing session = %v, want ErrConflict", err)
	}

	// Matching version wins, stale version loses.
	s.Version = 2
	if err := store.SaveCAS(ctx, s, 1); err != nil {
		t.Fatalf("SaveCAS(expected=1) failed: %v", err)
	}
	s.Version = 3
	if err := store.SaveCAS(ctx, s, 1); !errors.Is(err, ErrConflict) {
		t.Errorf("stale SaveCAS = %v, want ErrConflict", err)
	}

	got, err := store.Load(ctx, "sess-1", tenant)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("stored version = %d, want 2", got.Version)
	}
}

func testInvalidSave(t *testing.T, store Store) {
	defer store.Close()
	ctx := context.Background()

	cases := []*models.Session{
		nil,
		{TenantID: "t-1"},
		{ID: "s-1"},
		{ID: "s-1", TenantID: "bad\x00tenant"},
		{ID: "s\n1", TenantID: "t-1"},
	}
	for _, s := range cases {
		if err := store.Save(ctx, s); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Save(%+v) = %v, want ErrInvalidState", s, err)
		}
	}
}

// Tenant ids with ":" are ordinary (org:team naming); a session id that
// happens to start with the tail of another tenant's id must not land in
// that tenant's keyspace.
func testCompositeIDBoundaries(t *testing.T, store Store) {
	defer store.Close()
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	tenantShort := "org-a-" + suffix
	tenantLong := "org-a-" + suffix + ":team-b"

	inShort := newSession(tenantShort, "team-b:sess-1")
	inShort.Metadata["owner"] = "short"
	inLong := newSession(tenantLong, "sess-1")
	inLong.Metadata["owner"] = "long"
	for _, s := range []*models.Session{inShort, inLong} {
		if err := store.Save(ctx, s); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	gotShort, err := store.Load(ctx, "team-b:sess-1", tenantShort)
	if err != nil {
		t.Fatalf("Load() for %q failed: %v", tenantShort, err)
	}
	if gotShort.Metadata["owner"] != "short" {
		t.Errorf("tenant %q read the other tenant's record: %v", tenantShort, gotShort.Metadata["owner"])
	}
	gotLong, err := store.Load(ctx, "sess-1", tenantLong)
	if err != nil {
		t.Fatalf("Load() for %q failed: %v", tenantLong, err)
	}
	if gotLong.Metadata["owner"] != "long" {
		t.Errorf("tenant %q read the other tenant's record: %v", tenantLong, gotLong.Metadata["owner"])
	}

	// Deleting one must not take the other with it.
	if err := store.Delete(ctx, "team-b:sess-1", tenantShort); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Load(ctx, "sess-1", tenantLong); err != nil {
		t.Errorf("record lost to a neighboring tenant's delete: %v", err)
	}
}

func TestNormalizeLimit(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{limit: -1, want: DefaultListLimit},
		{limit: 0, want: DefaultListLimit},
		{limit: 1, want: 1},
		{limit: 500, want: 500},
		{limit: MaxListLimit, want: MaxListLimit},
		{limit: MaxListLimit + 1, want: MaxListLimit},
		{limit: 1 << 30, want: MaxListLimit},
	}
	for _, tt := range tests {
		if got := normalizeLimit(tt.limit); got != tt.want {
			t.Errorf("normalizeLimit(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}

func TestStorageErrorWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewStorageError("save", "kv", cause)

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StorageError, got %T", err)
	}
	if !errors.Is(err, cause) {
		t.Error("StorageError does not unwrap to its cause")
	}

	// Sentinels pass through so callers can branch on them.
	if got := NewStorageError("load", "kv", ErrNotFound); got != ErrNotFound {
		t.Errorf("ErrNotFound was wrapped: %v", got)
	}
	if got := NewStorageError("save", "kv", nil); got != nil {
		t.Errorf("nil error produced %v", got)
	}
}
