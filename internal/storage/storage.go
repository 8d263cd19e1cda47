// Package storage defines the session persistence contract and its
// interchangeable backend adapters. The five operations below are
// deliberately the entire surface: anything a backend needs beyond them
// (transactions, schema management, index upkeep) stays backend-internal so
// that a key-value store and a relational store are equally valid
// implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sessiond/internal/models"
)

var (
	// ErrNotFound is returned when a session does not exist for the given
	// tenant. Cross-tenant access and true absence are indistinguishable
	// to the caller.
	ErrNotFound = errors.New("session not found")

	// ErrConflict is returned by SaveCAS when the stored version does not
	// match the expected version.
	ErrConflict = errors.New("session version conflict")

	// ErrInvalidState is returned for operations that are structurally
	// impossible, e.g. saving a session with no tenant.
	ErrInvalidState = errors.New("invalid session state")
)

// StorageError wraps a backend failure with enough context for operator
// logs: which operation and which backend. Callers see it as a generic
// failure to retry or surface.
type StorageError struct {
	Op      string
	Backend string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed (backend=%s): %v", e.Op, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError builds a StorageError. Sentinel errors pass through
// untouched so callers can keep branching on ErrNotFound / ErrConflict.
func NewStorageError(op, backend string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidState) {
		return err
	}
	return &StorageError{Op: op, Backend: backend, Err: err}
}

// Store is the contract every backend adapter satisfies. All per-record
// operations are scoped by (sessionID, tenantID). Every call accepts a
// context and must honor its deadline rather than hang.
type Store interface {
	// Save upserts a session record: creates if absent, fully overwrites
	// if present. Atomic with respect to a single record — a reader never
	// observes a half-written session.
	Save(ctx context.Context, session *models.Session) error

	// SaveCAS is Save conditional on the stored version matching
	// expectedVersion (0 means "must not exist yet"). Returns ErrConflict
	// on mismatch.
	SaveCAS(ctx context.Context, session *models.Session, expectedVersion int64) error

	// Load returns the session or ErrNotFound. Tenant mismatch and
	// absence look identical.
	Load(ctx context.Context, sessionID, tenantID string) (*models.Session, error)

	// Delete is idempotent; deleting a nonexistent session is not an error.
	Delete(ctx context.Context, sessionID, tenantID string) error

	// List returns up to limit sessions for the tenant ordered by
	// lastActivityAt descending. limit must be positive; it is the hard
	// bound that prevents unbounded scans.
	List(ctx context.Context, tenantID string, limit int) ([]*models.Session, error)

	// Cleanup bulk-removes sessions whose lastActivityAt precedes
	// olderThan or whose expiresAt has passed, returning the count
	// removed. Safe to run concurrently with normal traffic.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases pooled connections. Idempotent.
	Close() error
}

// keySep separates tenant and session ids inside composite keys. Control
// characters are rejected at save time, so composite keys are unambiguous
// in every adapter that concatenates ids.
const keySep = "\x00"

// validateForSave rejects records that no adapter should ever persist.
func validateForSave(s *models.Session) error {
	if s == nil || s.ID == "" || s.TenantID == "" {
		return fmt.Errorf("%w: session id and tenant id are required", ErrInvalidState)
	}
	if !idValid(s.ID) || !idValid(s.TenantID) {
		return fmt.Errorf("%w: session id and tenant id must not contain control characters", ErrInvalidState)
	}
	return nil
}

// idValid reports whether an identifier is safe to embed in composite keys.
// Printable ids of any shape (uuids, "org:team" tenants) pass; control
// characters, including the key separator, do not.
func idValid(id string) bool {
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// DefaultListLimit bounds List calls whose caller did not choose a limit.
const DefaultListLimit = 100

// MaxListLimit is the hard ceiling; larger requests are clamped to it.
const MaxListLimit = DefaultListLimit * 10

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
