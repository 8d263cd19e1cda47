package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"sessiond/internal/models"
)

const memoryBackend = "memory"

// MemoryStore is a volatile adapter backed by an in-process cache. Sessions
// are lost on restart. Every value stored or returned is a deep clone, so
// callers can never mutate state behind the store's back. Suited to unit
// tests and ephemeral development.
type MemoryStore struct {
	mu    sync.Mutex // serializes read-modify-write ops (SaveCAS, Cleanup)
	cache *cache.Cache
}

// NewMemoryStore constructs an empty in-memory store. Entries with an
// absolute deadline are additionally expired by the cache's own janitor.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: cache.New(cache.NoExpiration, time.Minute),
	}
}

func memoryKey(tenantID, sessionID string) string {
	return tenantID + keySep + sessionID
}

func (s *MemoryStore) Save(ctx context.Context, session *models.Session) error {
	if err := validateForSave(session); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return NewStorageError("save", memoryBackend, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(session)
	return nil
}

func (s *MemoryStore) SaveCAS(ctx context.Context, session *models.Session, expectedVersion int64) error {
	if err := validateForSave(session); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return NewStorageError("save", memoryBackend, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if v, ok := s.cache.Get(memoryKey(session.TenantID, session.ID)); ok {
		current = v.(*models.Session).Version
	}
	if current != expectedVersion {
		return ErrConflict
	}
	s.set(session)
	return nil
}

// set stores a clone; caller holds the lock.
func (s *MemoryStore) set(session *models.Session) {
	ttl := cache.NoExpiration
	if session.ExpiresAt != nil {
		ttl = time.Until(*session.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Nanosecond
		}
	}
	s.cache.Set(memoryKey(session.TenantID, session.ID), session.Clone(), ttl)
}

func (s *MemoryStore) Load(ctx context.Context, sessionID, tenantID string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("load", memoryBackend, err)
	}
	v, ok := s.cache.Get(memoryKey(tenantID, sessionID))
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*models.Session).Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("delete", memoryBackend, err)
	}
	s.cache.Delete(memoryKey(tenantID, sessionID))
	return nil
}

func (s *MemoryStore) List(ctx context.Context, tenantID string, limit int) ([]*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("list", memoryBackend, err)
	}
	limit = normalizeLimit(limit)
	prefix := tenantID + keySep

	var sessions []*models.Session
	for key, item := range s.cache.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		sessions = append(sessions, item.Object.(*models.Session).Clone())
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (s *MemoryStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewStorageError("cleanup", memoryBackend, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	removed := 0
	for key, item := range s.cache.Items() {
		sess := item.Object.(*models.Session)
		if sess.Expired(now, olderThan) {
			s.cache.Delete(key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
