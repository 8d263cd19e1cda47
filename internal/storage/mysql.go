package storage

import (
	"context"
	"database/sql"
	"time"

	"sessiond/internal/database"
	"sessiond/internal/models"
)

const mysqlBackend = "relational"

// MySQLStore is the relational adapter: durable, transactional, concurrent
// writers via row-level locking. Suited to production deployments that also
// want ad-hoc queries over session records.
type MySQLStore struct {
	db    *database.DB
	codec *Codec
}

// NewMySQLStore wraps an initialized database connection.
func NewMySQLStore(db *database.DB, codec *Codec) *MySQLStore {
	return &MySQLStore{db: db, codec: codec}
}

func (s *MySQLStore) Save(ctx context.Context, session *models.Session) error {
	if err := validateForSave(session); err != nil {
		return err
	}
	history, err := s.codec.EncodeHistory(session.TenantID, session.History)
	if err != nil {
		return NewStorageError("save", mysqlBackend, err)
	}
	metadata, err := s.codec.EncodeMetadata(session.TenantID, session.Metadata)
	if err != nil {
		return NewStorageError("save", mysqlBackend, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (tenant_id, session_id, history, metadata, version,
		                      created_at, last_activity_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			history = VALUES(history),
			metadata = VALUES(metadata),
			version = VALUES(version),
			last_activity_at = VALUES(last_activity_at),
			expires_at = VALUES(expires_at)
	`, session.TenantID, session.ID, history, metadata, session.Version,
		session.CreatedAt.UnixNano(), session.LastActivityAt.UnixNano(),
		nullableNanos(session.ExpiresAt))
	return NewStorageError("save", mysqlBackend, err)
}

func (s *MySQLStore) SaveCAS(ctx context.Context, session *models.Session, expectedVersion int64) error {
	if err := validateForSave(session); err != nil {
		return err
	}
	history, err := s.codec.EncodeHistory(session.TenantID, session.History)
	if err != nil {
		return NewStorageError("save", mysqlBackend, err)
	}
	metadata, err := s.codec.EncodeMetadata(session.TenantID, session.Metadata)
	if err != nil {
		return NewStorageError("save", mysqlBackend, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStorageError("save", mysqlBackend, err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM sessions WHERE tenant_id = ? AND session_id = ? FOR UPDATE`,
		session.TenantID, session.ID).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return NewStorageError("save", mysqlBackend, err)
	}
	if current != expectedVersion {
		return ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (tenant_id, session_id, history, metadata, version,
		                      created_at, last_activity_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			history = VALUES(history),
			metadata = VALUES(metadata),
			version = VALUES(version),
			last_activity_at = VALUES(last_activity_at),
			expires_at = VALUES(expires_at)
	`, session.TenantID, session.ID, history, metadata, session.Version,
		session.CreatedAt.UnixNano(), session.LastActivityAt.UnixNano(),
		nullableNanos(session.ExpiresAt))
	if err != nil {
		return NewStorageError("save", mysqlBackend, err)
	}
	return NewStorageError("save", mysqlBackend, tx.Commit())
}

func (s *MySQLStore) Load(ctx context.Context, sessionID, tenantID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT history, metadata, version, created_at, last_activity_at, expires_at
		FROM sessions WHERE tenant_id = ? AND session_id = ?
	`, tenantID, sessionID)
	session, err := s.scanSession(row.Scan, sessionID, tenantID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStorageError("load", mysqlBackend, err)
	}
	return session, nil
}

func (s *MySQLStore) Delete(ctx context.Context, sessionID, tenantID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE tenant_id = ? AND session_id = ?`,
		tenantID, sessionID)
	return NewStorageError("delete", mysqlBackend, err)
}

func (s *MySQLStore) List(ctx context.Context, tenantID string, limit int) ([]*models.Session, error) {
	limit = normalizeLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, history, metadata, version, created_at, last_activity_at, expires_at
		FROM sessions WHERE tenant_id = ?
		ORDER BY last_activity_at DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, NewStorageError("list", mysqlBackend, err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var sessionID string
		scan := func(dest ...any) error {
			return rows.Scan(append([]any{&sessionID}, dest...)...)
		}
		session, err := s.scanSession(scan, "", tenantID)
		if err != nil {
			return nil, NewStorageError("list", mysqlBackend, err)
		}
		session.ID = sessionID
		sessions = append(sessions, session)
	}
	return sessions, NewStorageError("list", mysqlBackend, rows.Err())
}

func (s *MySQLStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE last_activity_at < ?
		   OR (expires_at IS NOT NULL AND expires_at < ?)
	`, olderThan.UnixNano(), time.Now().UTC().UnixNano())
	if err != nil {
		return 0, NewStorageError("cleanup", mysqlBackend, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, NewStorageError("cleanup", mysqlBackend, err)
	}
	return int(n), nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) scanSession(scan func(...any) error, sessionID, tenantID string) (*models.Session, error) {
	var (
		history, metadata string
		version           int64
		createdAt         int64
		lastActivityAt    int64
		expiresAt         sql.NullInt64
	)
	if err := scan(&history, &metadata, &version, &createdAt, &lastActivityAt, &expiresAt); err != nil {
		return nil, err
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

	h, err := s.codec.DecodeHistory(tenantID, history)
	if err != nil {
		return nil, err
	}
	m, err := s.codec.DecodeMetadata(tenantID, metadata)
	if err != nil {
		return nil, err
	}
	session.History = h
	session.Metadata = m
	return session, nil
}
