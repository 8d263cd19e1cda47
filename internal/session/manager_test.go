package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"sessiond/internal/models"
	"sessiond/internal/storage"
)

func newTestManager(opts Options) (*Manager, storage.Store) {
	store := storage.NewMemoryStore()
	return NewManager(store, opts), store
}

func TestCreate(t *testing.T) {
	m, _ := newTestManager(Options{})
	ctx := context.Background()

	sess, err := m.Create(ctx, "tenant-1", map[string]any{"tags": []any{"support"}})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if sess.ID == "" {
		t.Error("created session has no id")
	}
	if sess.TenantID != "tenant-1" {
		t.Errorf("tenant = %q, want tenant-1", sess.TenantID)
	}
	if len(sess.History) != 0 {
		t.Errorf("new session has %d messages, want 0", len(sess.History))
	}
	if sess.Version != 1 {
		t.Errorf("version = %d, want 1", sess.Version)
	}
	if sess.ExpiresAt != nil {
		t.Error("session has a deadline without a default TTL")
	}

	other, err := m.Create(ctx, "tenant-1", nil)
	if err != nil {
		t.Fatalf("second Create() failed: %v", err)
	}
	if other.ID == sess.ID {
		t.Error("two created sessions share an id")
	}
	if other.Metadata == nil {
		t.Error("nil metadata should become an empty map")
	}
}

func TestCreateRequiresTenant(t *testing.T) {
	m, _ := newTestManager(Options{})
	if _, err := m.Create(context.Background(), "", nil); !errors.Is(err, storage.ErrInvalidState) {
		t.Errorf("Create with empty tenant = %v, want ErrInvalidState", err)
	}
}

func TestCreateWithDefaultTTL(t *testing.T) {
	m, _ := newTestManager(Options{DefaultTTL: time.Hour})
	sess, err := m.Create(context.Background(), "tenant-1", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if sess.ExpiresAt == nil {
		t.Fatal("session missing deadline despite default TTL")
	}
	remaining := time.Until(*sess.ExpiresAt)
	if remaining < 59*time.Minute || remaining > 61*time.Minute {
		t.Errorf("deadline %v is not about an hour out", remaining)
	}
}

func TestResumeTouchesActivity(t *testing.T) {
	m, store := newTestManager(Options{})
	ctx := context.Background()

	sess, err := m.Create(ctx, "tenant-1", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// Age the stored record so the touch is observable.
	aged := sess.Clone()
	aged.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	if err := store.Save(ctx, aged); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	resumed, err := m.Resume(ctx, sess.ID, "tenant-1")
	if err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if time.Since(resumed.LastActivityAt) > time.Minute {
		t.Errorf("resume did not reset the idle clock: %v", resumed.LastActivityAt)
	}
	if resumed.Version <= aged.Version {
		t.Errorf("resume did not bump the version: %d", resumed.Version)
	}
}

func TestResumeNotFound(t *testing.T) {
	m, _ := newTestManager(Options{})
	ctx := context.Background()

	if _, err := m.Resume(ctx, "ghost", "tenant-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Resume() of absent session = %v, want ErrNotFound", err)
	}

	// A session id that exists under another tenant looks exactly the same.
	sess, err := m.Create(ctx, "tenant-1", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err := m.Resume(ctx, sess.ID, "tenant-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("cross-tenant Resume() = %v, want ErrNotFound", err)
	}
}

func TestFork(t *testing.T) {
	m, _ := newTestManager(Options{})
	ctx := context.Background()

	parent, err := m.Create(ctx, "tenant-1", map[string]any{"tags": []any{"x"}})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err := m.AddMessage(ctx, parent.ID, "tenant-1", models.NewTextMessage(models.RoleUser, "before fork")); err != nil {
		t.Fatalf("AddMessage() failed: %v", err)
	}

	fork, err := m.Fork(ctx, parent.ID, "tenant-1")
	if err != nil {
		t.Fatalf("Fork() failed: %v", err)
	}
	if fork.ID == parent.ID {
		t.Error("fork shares the parent id")
	}
	if fork.Metadata[models.MetaParentSessionID] != parent.ID {
		t.Errorf("fork parent link = %v, want %s", fork.Metadata[models.MetaParentSessionID], parent.ID)
	}
	if len(fork.History) != 1 || fork.History[0].Text() != "before fork" {
		t.Errorf("fork history not copied: %+v", fork.History)
	}

	// Divergence in either branch is invisible in the other.
	if _, err := m.AddMessage(ctx, fork.ID, "tenant-1", models.NewTextMessage(models.RoleUser, "fork only")); err != nil {
		t.Fatalf("AddMessage() on fork failed: %v", err)
	}
	parentNow, err := m.Resume(ctx, parent.ID, "tenant-1")
	if err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if len(parentNow.History) != 1 {
		t.Errorf("parent history length = %d after fork diverged, want 1", len(parentNow.History))
	}
}

func TestForkNotFound(t *testing.T) {
	m, _ := newTestManager(Options{})
	if _, err := m.Fork(context.Background(), "ghost", "tenant-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Fork() of absent session = %v, want ErrNotFound", err)
	}
}

func TestAddMessagePreservesOrder(t *testing.T) {
	m, _ := newTestManager(Options{})
	ctx := context.Background()

	sess, err := m.Create(ctx, "tenant-1", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	texts := []string{"first", "second", "third"}
	for _, txt := range texts {
		if _, err := m.AddMessage(ctx, sess.ID, "tenant-1", models.NewTextMessage(models.RoleUser, txt)); err != nil {
			t.Fatalf("AddMessage(%q) failed: %v", txt, err)
		}
	}

	got, err := m.Resume(ctx, sess.ID, "tenant-1")
	if err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if len(got.History) != len(texts) {
		t.Fatalf("history length = %d, want %d", len(got.History), len(texts))
	}
	for i, txt := range texts {
		if got.History[i].Text() != txt {
			t.Errorf("history[%d] = %q, want %q", i, got.History[i].Text(), txt)
		}
		if got.History[i].ID == "" {
			t.Errorf("history[%d] was not assigned an id", i)
		}
	}
}

func TestAddMessageRejectsInvalid(t *testing.T) {
	m, _ := newTestManager(Options{})
	ctx := context.Background()

	sess, err := m.Create(ctx, "tenant-1", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	bad := models.Message{Role: "narrator", Content: []models.ContentBlock{{Type: models.BlockText, Text: "x"}}}
	if _, err := m.AddMessage(ctx, sess.ID, "tenant-1", bad); !errors.Is(err, storage.ErrInvalidState) {
		t.Errorf("AddMessage with bad role = %v, want ErrInvalidState", err)
	}
}

func TestAddMessageStrictAppend(t *testing.T) {
	m, _ := newTestManager(Options{StrictAppend: true})
	ctx := context.Background()

	sess, err := m.Create(ctx, "tenant-1", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err := m.AddMessage(ctx, sess.ID, "tenant-1", models.NewTextMessage(models.RoleUser, "hello")); err != nil {
		t.Fatalf("strict AddMessage() failed: %v", err)
	}

	got, err := m.Resume(ctx, sess.ID, "tenant-1")
	if err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if len(got.History) != 1 {
		t.Errorf("history length = %d, want 1", len(got.History))
	}
}

func TestUpdateMetadataMerge(t *testing.T) {
	m, _ := newTestManager(Options{})
	ctx := context.Background()

	sess, err := m.Create(ctx, "tenant-1", map[string]any{
		"inputTokens": float64(100),
		"tags":        []any{"billing"},
	})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	updated, err := m.UpdateMetadata(ctx, sess.ID, "tenant-1", map[string]any{
		"inputTokens": float64(150),
		"lastError":   "timeout",
	})
	if err != nil {
		t.Fatalf("UpdateMetadata() failed: %v", err)
	}
	if updated.Metadata["inputTokens"] != float64(150) {
		t.Errorf("inputTokens = %v, want 150", updated.Metadata["inputTokens"])
	}
	if updated.Metadata["lastError"] != "timeout" {
		t.Errorf("lastError = %v, want timeout", updated.Metadata["lastError"])
	}
	tags, ok := updated.Metadata["tags"].([]any)
	if !ok || len(tags) != 1 || tags[0] != "billing" {
		t.Errorf("untouched key was not preserved: %v", updated.Metadata["tags"])
	}
}

func TestEndIdempotent(t *testing.T) {
	m, _ := newTestManager(Options{})
	ctx := context.Background()

	sess, err := m.Create(ctx, "tenant-1", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := m.End(ctx, sess.ID, "tenant-1"); err != nil {
		t.Fatalf("End() failed: %v", err)
	}
	if _, err := m.Resume(ctx, sess.ID, "tenant-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Resume() after End = %v, want ErrNotFound", err)
	}
	if err := m.End(ctx, sess.ID, "tenant-1"); err != nil {
		t.Errorf("repeat End() failed: %v", err)
	}
	if err := m.End(ctx, "never-existed", "tenant-1"); err != nil {
		t.Errorf("End() of absent session failed: %v", err)
	}
}

func TestListSessions(t *testing.T) {
	m, _ := newTestManager(Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Create(ctx, "tenant-1", nil); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}
	if _, err := m.Create(ctx, "tenant-2", nil); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	sessions, err := m.ListSessions(ctx, "tenant-1", 10)
	if err != nil {
		t.Fatalf("ListSessions() failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Errorf("ListSessions() returned %d, want 3", len(sessions))
	}
	for _, s := range sessions {
		if s.TenantID != "tenant-1" {
			t.Errorf("listed session belongs to %q", s.TenantID)
		}
	}
}

func TestCleanupExpired(t *testing.T) {
	m, store := newTestManager(Options{})
	ctx := context.Background()

	sess, err := m.Create(ctx, "tenant-1", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	aged := sess.Clone()
	aged.LastActivityAt = time.Now().UTC().Add(-3 * time.Hour)
	if err := store.Save(ctx, aged); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, err := m.Create(ctx, "tenant-1", nil); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	removed, err := m.CleanupExpired(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CleanupExpired() failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("CleanupExpired() removed %d, want 1", removed)
	}
	if _, err := m.Resume(ctx, sess.ID, "tenant-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("swept session still resumable: %v", err)
	}
}
