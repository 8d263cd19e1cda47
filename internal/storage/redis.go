package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sessiond/internal/models"
)

const redisBackend = "kv"

// Key layout (the record key joins tenant and session id with keySep):
//
//	sess:{tenant}\x00{id}  JSON record, TTL mirrors the session's expiresAt
//	sess:idx:{tenant}      ZSET of session ids scored by lastActivityAt
//	sess:tenants           SET of tenant ids with at least one session
const (
	redisKeyPrefix  = "sess:"
	redisIdxPrefix  = "sess:idx:"
	redisTenantsKey = "sess:tenants"
)

// RedisStore is the networked key-value adapter. Expiration is native: a
// session with an absolute deadline carries a matching Redis TTL, so the
// store sheds expired records even between cleanup sweeps.
type RedisStore struct {
	client *redis.Client
	codec  *Codec
}

// redisRecord is the persisted document. History and metadata are the
// codec's opaque blobs.
type redisRecord struct {
	History        string     `json:"history"`
	Metadata       string     `json:"metadata"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// NewRedisStore connects to the Redis instance at redisURL
// (redis://host:port/db) and verifies the connection.
func NewRedisStore(redisURL string, codec *Codec) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, codec: codec}, nil
}

// Ids are joined with the control-character separator rejected at save
// time, so a tenant id containing ":" (org:team naming) can never alias
// another tenant's keyspace.
func redisKey(tenantID, sessionID string) string {
	return redisKeyPrefix + tenantID + keySep + sessionID
}

func redisIndexKey(tenantID string) string {
	return redisIdxPrefix + tenantID
}

func (s *RedisStore) Save(ctx context.Context, session *models.Session) error {
	if err := validateForSave(session); err != nil {
		return err
	}
	payload, ttl, err := s.encode(session)
	if err != nil {
		return NewStorageError("save", redisBackend, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisKey(session.TenantID, session.ID), payload, ttl)
	pipe.ZAdd(ctx, redisIndexKey(session.TenantID), redis.Z{
		Score:  float64(session.LastActivityAt.UnixNano()),
		Member: session.ID,
	})
	pipe.SAdd(ctx, redisTenantsKey, session.TenantID)
	_, err = pipe.Exec(ctx)
	return NewStorageError("save", redisBackend, err)
}

func (s *RedisStore) SaveCAS(ctx context.Context, session *models.Session, expectedVersion int64) error {
	if err := validateForSave(session); err != nil {
		return err
	}
	payload, ttl, err := s.encode(session)
	if err != nil {
		return NewStorageError("save", redisBackend, err)
	}
	key := redisKey(session.TenantID, session.ID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case err == redis.Nil:
			current = 0
		case err != nil:
			return err
		default:
			var rec redisRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return err
			}
			current = rec.Version
		}
		if current != expectedVersion {
			return ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			pipe.ZAdd(ctx, redisIndexKey(session.TenantID), redis.Z{
				Score:  float64(session.LastActivityAt.UnixNano()),
				Member: session.ID,
			})
			pipe.SAdd(ctx, redisTenantsKey, session.TenantID)
			return nil
		})
		return err
	}, key)
	if err == redis.TxFailedErr {
		// Another writer touched the key between watch and exec.
		return ErrConflict
	}
	return NewStorageError("save", redisBackend, err)
}

func (s *RedisStore) Load(ctx context.Context, sessionID, tenantID string) (*models.Session, error) {
	raw, err := s.client.Get(ctx, redisKey(tenantID, sessionID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStorageError("load", redisBackend, err)
	}
	session, err := s.decode(sessionID, tenantID, raw)
	if err != nil {
		return nil, NewStorageError("load", redisBackend, err)
	}
	return session, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID, tenantID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisKey(tenantID, sessionID))
	pipe.ZRem(ctx, redisIndexKey(tenantID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return NewStorageError("delete", redisBackend, err)
	}
	return NewStorageError("delete", redisBackend, s.pruneTenant(ctx, tenantID))
}

// pruneTenant drops the tenant from the tenants set once its index is
// empty, so cleanup sweeps do not scan dead tenants forever. A concurrent
// save re-adds the member, so losing the race only delays the prune.
func (s *RedisStore) pruneTenant(ctx context.Context, tenantID string) error {
	n, err := s.client.ZCard(ctx, redisIndexKey(tenantID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.client.SRem(ctx, redisTenantsKey, tenantID).Err()
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, tenantID string, limit int) ([]*models.Session, error) {
	limit = normalizeLimit(limit)

	ids, err := s.client.ZRevRange(ctx, redisIndexKey(tenantID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, NewStorageError("list", redisBackend, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisKey(tenantID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, NewStorageError("list", redisBackend, err)
	}

	var sessions []*models.Session
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Record expired under its Redis TTL; prune the dangling
			// index member.
			s.client.ZRem(ctx, redisIndexKey(tenantID), ids[i])
			continue
		}
		session, err := s.decode(ids[i], tenantID, raw)
		if err != nil {
			return nil, NewStorageError("list", redisBackend, err)
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (s *RedisStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	tenants, err := s.client.SMembers(ctx, redisTenantsKey).Result()
	if err != nil {
		return 0, NewStorageError("cleanup", redisBackend, err)
	}

	removed := 0
	maxScore := fmt.Sprintf("(%d", olderThan.UnixNano())
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return removed, NewStorageError("cleanup", redisBackend, err)
		}
		idx := redisIndexKey(tenant)
		ids, err := s.client.ZRangeByScore(ctx, idx, &redis.ZRangeBy{
			Min: "-inf",
			Max: maxScore,
		}).Result()
		if err != nil {
			return removed, NewStorageError("cleanup", redisBackend, err)
		}
		for _, id := range ids {
			// Records already shed by Redis TTL count as removed by the
			// sweep that prunes their index entry.
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, redisKey(tenant, id))
			pipe.ZRem(ctx, idx, id)
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, NewStorageError("cleanup", redisBackend, err)
			}
			removed++
		}
		if err := s.pruneTenant(ctx, tenant); err != nil {
			return removed, NewStorageError("cleanup", redisBackend, err)
		}
	}
	return removed, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) encode(session *models.Session) (string, time.Duration, error) {
	history, err := s.codec.EncodeHistory(session.TenantID, session.History)
	if err != nil {
		return "", 0, err
	}
	metadata, err := s.codec.EncodeMetadata(session.TenantID, session.Metadata)
	if err != nil {
		return "", 0, err
	}

	rec := redisRecord{
		History:        history,
		Metadata:       metadata,
		Version:        session.Version,
		CreatedAt:      session.CreatedAt,
		LastActivityAt: session.LastActivityAt,
		ExpiresAt:      session.ExpiresAt,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", 0, err
	}

	var ttl time.Duration // 0 means no expiration
	if session.ExpiresAt != nil {
		ttl = time.Until(*session.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	return string(payload), ttl, nil
}

func (s *RedisStore) decode(sessionID, tenantID, raw string) (*models.Session, error) {
	var rec redisRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	history, err := s.codec.DecodeHistory(tenantID, rec.History)
	if err != nil {
		return nil, err
	}
	metadata, err := s.codec.DecodeMetadata(tenantID, rec.Metadata)
	if err != nil {
		return nil, err
	}
	return &models.Session{
		ID:             sessionID,
		TenantID:       tenantID,
		History:        history,
		Metadata:       metadata,
		Version:        rec.Version,
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.LastActivityAt,
		ExpiresAt:      rec.ExpiresAt,
	}, nil
}
