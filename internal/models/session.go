package models

import (
	"time"
)

// Well-known metadata keys. Metadata is an open map; these are the keys the
// lifecycle and sandbox layers read or write. Sandbox keys are opaque to the
// session manager and storage adapters.
const (
	MetaParentSessionID = "parentSessionId"
	MetaInputTokens     = "inputTokens"
	MetaOutputTokens    = "outputTokens"
	MetaCostUSD         = "costUsd"
	MetaLastError       = "lastError"
	MetaTags            = "tags"

	MetaSandboxID       = "sandbox.id"
	MetaSandboxPausedAt = "sandbox.pausedAt"
)

// Session is the unit of persisted conversational state. It outlives any
// single sandboxed execution and is scoped to exactly one tenant for its
// whole lifetime.
type Session struct {
	ID       string `json:"id" bson:"sessionId"`
	TenantID string `json:"tenant_id" bson:"tenantId"`

	// History is append-only from the application's perspective. Messages
	// are never edited or reordered.
	History []Message `json:"conversation_history" bson:"history"`

	// Metadata holds cost totals, token usage, tags, fork linkage and the
	// opaque sandbox correlation state. Values are JSON-like.
	Metadata map[string]any `json:"metadata" bson:"metadata"`

	// Version increments on every successful save. Used by conditional
	// saves to detect concurrent writers; plain saves ignore it.
	Version int64 `json:"version" bson:"version"`

	CreatedAt      time.Time  `json:"created_at" bson:"createdAt"`
	LastActivityAt time.Time  `json:"last_activity_at" bson:"lastActivityAt"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" bson:"expiresAt,omitempty"`
}

// Touch advances LastActivityAt. The timestamp never moves backwards, so a
// caller with a stale clock cannot shorten the session's idle window.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

// Expired reports whether the session is past its own absolute deadline or,
// when it has none, past the supplied idle cutoff.
func (s *Session) Expired(now, idleCutoff time.Time) bool {
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return true
	}
	return s.LastActivityAt.Before(idleCutoff)
}

// Clone returns a structurally independent deep copy. Mutating the clone's
// history or metadata is never observable in the original.
func (s *Session) Clone() *Session {
	out := *s
	out.History = make([]Message, len(s.History))
	for i, m := range s.History {
		out.History[i] = m.Clone()
	}
	out.Metadata = CloneMetadata(s.Metadata)
	if s.ExpiresAt != nil {
		exp := *s.ExpiresAt
		out.ExpiresAt = &exp
	}
	return &out
}

// CloneMetadata deep-copies a JSON-like metadata map. Maps and slices are
// copied recursively; scalars are copied by value.
func CloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMetadata(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return val
	}
}
