// Package session implements the session lifecycle state machine. The
// Manager is the only component application code talks to: it validates
// tenant scope on every operation and delegates persistence to the
// configured storage adapter. Adapters are dumb persistence and never
// mutate session content on their own.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sessiond/internal/logging"
	"sessiond/internal/metrics"
	"sessiond/internal/models"
	"sessiond/internal/storage"
)

// Options tune manager behavior.
type Options struct {
	// DefaultTTL, when positive, stamps every new session with an
	// absolute expiresAt deadline. Zero means sessions only expire via
	// the idle-timeout sweep.
	DefaultTTL time.Duration

	// StrictAppend makes AddMessage use a conditional save so that a
	// concurrent writer to the same session surfaces as ErrConflict
	// instead of silently losing the race. Off by default: last-writer-
	// wins is the documented tradeoff, and callers that need strict
	// per-session ordering should serialize writes themselves.
	StrictAppend bool
}

// Manager orchestrates session lifecycle over a storage adapter.
type Manager struct {
	store storage.Store
	opts  Options
}

// NewManager creates a manager. The store is injected at construction time;
// the manager holds no other state.
func NewManager(store storage.Store, opts Options) *Manager {
	return &Manager{store: store, opts: opts}
}

// Create generates a new session with a random id, empty history and the
// provided (possibly nil) metadata, persists it and returns it.
func (m *Manager) Create(ctx context.Context, tenantID string, metadata map[string]any) (*models.Session, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", storage.ErrInvalidState)
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		History:        []models.Message{},
		Metadata:       models.CloneMetadata(metadata),
		Version:        1,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if session.Metadata == nil {
		session.Metadata = map[string]any{}
	}
	if m.opts.DefaultTTL > 0 {
		exp := now.Add(m.opts.DefaultTTL)
		session.ExpiresAt = &exp
	}

	if err := m.observe(ctx, "create", func() error {
		return m.store.Save(ctx, session)
	}); err != nil {
		return nil, err
	}

	logging.WithSession(session.ID, tenantID).Debug("session created")
	return session, nil
}

// Resume loads the session and touches its activity timestamp, resetting
// the idle clock. Absent, expired-and-swept and cross-tenant sessions all
// come back as storage.ErrNotFound.
func (m *Manager) Resume(ctx context.Context, sessionID, tenantID string) (*models.Session, error) {
	var session *models.Session
	err := m.observe(ctx, "resume", func() error {
		var err error
		session, err = m.store.Load(ctx, sessionID, tenantID)
		if err != nil {
			return err
		}
		session.Touch(time.Now().UTC())
		session.Version++
		return m.store.Save(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	logging.WithSession(sessionID, tenantID).Debug("session resumed")
	return session, nil
}

// Fork deep-copies the source session into a brand-new session id with a
// backward link in its metadata. The copy is structurally independent:
// later mutation of either session is never observable in the other.
func (m *Manager) Fork(ctx context.Context, sessionID, tenantID string) (*models.Session, error) {
	var fork *models.Session
	err := m.observe(ctx, "fork", func() error {
		source, err := m.store.Load(ctx, sessionID, tenantID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		fork = source.Clone()
		fork.ID = uuid.NewString()
		fork.Version = 1
		fork.CreatedAt = now
		fork.LastActivityAt = now
		if fork.Metadata == nil {
			fork.Metadata = map[string]any{}
		}
		fork.Metadata[models.MetaParentSessionID] = sessionID
		if m.opts.DefaultTTL > 0 {
			exp := now.Add(m.opts.DefaultTTL)
			fork.ExpiresAt = &exp
		}
		return m.store.Save(ctx, fork)
	})
	if err != nil {
		return nil, err
	}

	logging.WithSession(fork.ID, tenantID).Debug("session forked", "parent_session_id", sessionID)
	return fork, nil
}

// AddMessage appends one message to the session history and touches the
// activity timestamp. This is a read-modify-write: without StrictAppend two
// concurrent callers race last-writer-wins.
func (m *Manager) AddMessage(ctx context.Context, sessionID, tenantID string, msg models.Message) (*models.Session, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidState, err)
	}

	var session *models.Session
	err := m.observe(ctx, "add_message", func() error {
		var err error
		session, err = m.store.Load(ctx, sessionID, tenantID)
		if err != nil {
			return err
		}

		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		session.History = append(session.History, msg)
		session.Touch(time.Now().UTC())

		loaded := session.Version
		session.Version++
		if m.opts.StrictAppend {
			return m.store.SaveCAS(ctx, session, loaded)
		}
		return m.store.Save(ctx, session)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateMetadata shallow-merges the given keys into the session metadata:
// provided keys are overwritten, all others preserved.
func (m *Manager) UpdateMetadata(ctx context.Context, sessionID, tenantID string, partial map[string]any) (*models.Session, error) {
	var session *models.Session
	err := m.observe(ctx, "update_metadata", func() error {
		var err error
		session, err = m.store.Load(ctx, sessionID, tenantID)
		if err != nil {
			return err
		}

		if session.Metadata == nil {
			session.Metadata = map[string]any{}
		}
		for k, v := range models.CloneMetadata(partial) {
			session.Metadata[k] = v
		}
		session.Touch(time.Now().UTC())
		session.Version++
		return m.store.Save(ctx, session)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// End deletes the session. Idempotent: ending a nonexistent or already
// ended session succeeds.
func (m *Manager) End(ctx context.Context, sessionID, tenantID string) error {
	err := m.observe(ctx, "end", func() error {
		return m.store.Delete(ctx, sessionID, tenantID)
	})
	if err != nil {
		return err
	}
	logging.WithSession(sessionID, tenantID).Debug("session ended")
	return nil
}

// ListSessions returns up to limit sessions for the tenant ordered by most
// recent activity.
func (m *Manager) ListSessions(ctx context.Context, tenantID string, limit int) ([]*models.Session, error) {
	var sessions []*models.Session
	err := m.observe(ctx, "list", func() error {
		var err error
		sessions, err = m.store.List(ctx, tenantID, limit)
		return err
	})
	return sessions, err
}

// CleanupExpired removes sessions idle since before cutoff or past their
// absolute deadline, returning the count removed. Invoked by the cleanup
// scheduler, not on the request path.
func (m *Manager) CleanupExpired(ctx context.Context, cutoff time.Time) (int, error) {
	var removed int
	err := m.observe(ctx, "cleanup", func() error {
		var err error
		removed, err = m.store.Cleanup(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.Get().CleanupRemoved.Add(float64(removed))
	}
	return removed, nil
}

// observe runs op, records latency and counts the outcome.
func (m *Manager) observe(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.Get().StorageLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.Get().SessionOps.WithLabelValues(op, outcomeLabel(err)).Inc()
	return err
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
