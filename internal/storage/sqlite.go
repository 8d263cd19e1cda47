package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"sessiond/internal/models"
)

const sqliteBackend = "file"

// SQLiteStore is the embedded file adapter: durable on local disk,
// single-process, writes serialized through one writer. Intended for
// development and single-instance deployments.
type SQLiteStore struct {
	db    *sql.DB
	codec *Codec

	// modernc sqlite allows one writer; serializing here avoids
	// SQLITE_BUSY churn under concurrent saves.
	writeMu sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    tenant_id        TEXT    NOT NULL,
    session_id       TEXT    NOT NULL,
    history          TEXT    NOT NULL,
    metadata         TEXT    NOT NULL,
    version          INTEGER NOT NULL,
    created_at       INTEGER NOT NULL,
    last_activity_at INTEGER NOT NULL,
    expires_at       INTEGER,
    PRIMARY KEY (tenant_id, session_id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant_activity
    ON sessions(tenant_id, last_activity_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_activity
    ON sessions(last_activity_at);
CREATE INDEX IF NOT EXISTS idx_sessions_expiry
    ON sessions(expires_at);
`

// NewSQLiteStore opens (creating if needed) the database file at path.
func NewSQLiteStore(path string, codec *Codec) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, codec: codec}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, session *models.Session) error {
	if err := validateForSave(session); err != nil {
		return err
	}
	history, metadata, err := s.encode(session)
	if err != nil {
		return NewStorageError("save", sqliteBackend, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (tenant_id, session_id, history, metadata, version,
		                      created_at, last_activity_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, session_id) DO UPDATE SET
			history = excluded.history,
			metadata = excluded.metadata,
			version = excluded.version,
			last_activity_at = excluded.last_activity_at,
			expires_at = excluded.expires_at
	`, session.TenantID, session.ID, history, metadata, session.Version,
		session.CreatedAt.UnixNano(), session.LastActivityAt.UnixNano(),
		nullableNanos(session.ExpiresAt))
	return NewStorageError("save", sqliteBackend, err)
}

func (s *SQLiteStore) SaveCAS(ctx context.Context, session *models.Session, expectedVersion int64) error {
	if err := validateForSave(session); err != nil {
		return err
	}
	history, metadata, err := s.encode(session)
	if err != nil {
		return NewStorageError("save", sqliteBackend, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStorageError("save", sqliteBackend, err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM sessions WHERE tenant_id = ? AND session_id = ?`,
		session.TenantID, session.ID).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return NewStorageError("save", sqliteBackend, err)
	}
	if current != expectedVersion {
		return ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (tenant_id, session_id, history, metadata, version,
		                      created_at, last_activity_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, session_id) DO UPDATE SET
			history = excluded.history,
			metadata = excluded.metadata,
			version = excluded.version,
			last_activity_at = excluded.last_activity_at,
			expires_at = excluded.expires_at
	`, session.TenantID, session.ID, history, metadata, session.Version,
		session.CreatedAt.UnixNano(), session.LastActivityAt.UnixNano(),
		nullableNanos(session.ExpiresAt))
	if err != nil {
		return NewStorageError("save", sqliteBackend, err)
	}
	return NewStorageError("save", sqliteBackend, tx.Commit())
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID, tenantID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT history, metadata, version, created_at, last_activity_at, expires_at
		FROM sessions WHERE tenant_id = ? AND session_id = ?
	`, tenantID, sessionID)

	var (
		history, metadata string
		version           int64
		createdAt         int64
		lastActivityAt    int64
		expiresAt         sql.NullInt64
	)
	err := row.Scan(&history, &metadata, &version, &createdAt, &lastActivityAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStorageError("load", sqliteBackend, err)
	}

	session := &models.Session{
		ID:             sessionID,
		TenantID:       tenantID,
		Version:        version,
		CreatedAt:      time.Unix(0, createdAt).UTC(),
		LastActivityAt: time.Unix(0, lastActivityAt).UTC(),
	}
	if expiresAt.Valid {
		exp := time.Unix(0, expiresAt.Int64).UTC()
		session.ExpiresAt = &exp
	}
	if err := s.decodeInto(session, history, metadata); err != nil {
		return nil, NewStorageError("load", sqliteBackend, err)
	}
	return session, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID, tenantID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE tenant_id = ? AND session_id = ?`,
		tenantID, sessionID)
	return NewStorageError("delete", sqliteBackend, err)
}

func (s *SQLiteStore) List(ctx context.Context, tenantID string, limit int) ([]*models.Session, error) {
	limit = normalizeLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, history, metadata, version, created_at, last_activity_at, expires_at
		FROM sessions WHERE tenant_id = ?
		ORDER BY last_activity_at DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, NewStorageError("list", sqliteBackend, err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var (
			sessionID         string
			history, metadata string
			version           int64
			createdAt         int64
			lastActivityAt    int64
			expiresAt         sql.NullInt64
		)
		if err := rows.Scan(&sessionID, &history, &metadata, &version, &createdAt, &lastActivityAt, &expiresAt); err != nil {
			return nil, NewStorageError("list", sqliteBackend, err)
		}
		session := &models.Session{
			ID:             sessionID,
			TenantID:       tenantID,
			Version:        version,
			CreatedAt:      time.Unix(0, createdAt).UTC(),
			LastActivityAt: time.Unix(0, lastActivityAt).UTC(),
		}
		if expiresAt.Valid {
			exp := time.Unix(0, expiresAt.Int64).UTC()
			session.ExpiresAt = &exp
		}
		if err := s.decodeInto(session, history, metadata); err != nil {
			return nil, NewStorageError("list", sqliteBackend, err)
		}
		sessions = append(sessions, session)
	}
	return sessions, NewStorageError("list", sqliteBackend, rows.Err())
}

func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE last_activity_at < ?
		   OR (expires_at IS NOT NULL AND expires_at < ?)
	`, olderThan.UnixNano(), time.Now().UTC().UnixNano())
	if err != nil {
		return 0, NewStorageError("cleanup", sqliteBackend, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, NewStorageError("cleanup", sqliteBackend, err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) encode(session *models.Session) (history, metadata string, err error) {
	history, err = s.codec.EncodeHistory(session.TenantID, session.History)
	if err != nil {
		return "", "", err
	}
	metadata, err = s.codec.EncodeMetadata(session.TenantID, session.Metadata)
	if err != nil {
		return "", "", err
	}
	return history, metadata, nil
}

func (s *SQLiteStore) decodeInto(session *models.Session, history, metadata string) error {
	h, err := s.codec.DecodeHistory(session.TenantID, history)
	if err != nil {
		return err
	}
	m, err := s.codec.DecodeMetadata(session.TenantID, metadata)
	if err != nil {
		return err
	}
	session.History = h
	session.Metadata = m
	return nil
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
