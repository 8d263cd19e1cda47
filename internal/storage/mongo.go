package storage

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sessiond/internal/database"
	"sessiond/internal/models"
)

const mongoBackend = "document"

// MongoStore is the document adapter. One document per (tenantId,
// sessionId); history and metadata are stored as the codec's opaque blobs
// so encrypted and plaintext deployments share the same schema.
type MongoStore struct {
	collection *mongo.Collection
	codec      *Codec
	close      func(context.Context) error
}

type mongoRecord struct {
	TenantID       string     `bson:"tenantId"`
	SessionID      string     `bson:"sessionId"`
	History        string     `bson:"history"`
	Metadata       string     `bson:"metadata"`
	Version        int64      `bson:"version"`
	CreatedAt      time.Time  `bson:"createdAt"`
	LastActivityAt time.Time  `bson:"lastActivityAt"`
	ExpiresAt      *time.Time `bson:"expiresAt,omitempty"`
}

// NewMongoStore wraps a connected MongoDB handle.
func NewMongoStore(db *database.MongoDB, codec *Codec) *MongoStore {
	return &MongoStore{
		collection: db.Collection(database.CollectionSessions),
		codec:      codec,
		close:      db.Close,
	}
}

func mongoFilter(sessionID, tenantID string) bson.M {
	return bson.M{"tenantId": tenantID, "sessionId": sessionID}
}

func (s *MongoStore) Save(ctx context.Context, session *models.Session) error {
	if err := validateForSave(session); err != nil {
		return err
	}
	rec, err := s.encode(session)
	if err != nil {
		return NewStorageError("save", mongoBackend, err)
	}

	_, err = s.collection.ReplaceOne(ctx,
		mongoFilter(session.ID, session.TenantID), rec,
		options.Replace().SetUpsert(true))
	return NewStorageError("save", mongoBackend, err)
}

func (s *MongoStore) SaveCAS(ctx context.Context, session *models.Session, expectedVersion int64) error {
	if err := validateForSave(session); err != nil {
		return err
	}
	rec, err := s.encode(session)
	if err != nil {
		return NewStorageError("save", mongoBackend, err)
	}

	if expectedVersion == 0 {
		// Must not exist yet: a plain insert races cleanly because the
		// unique (tenantId, sessionId) pair can only be inserted once.
		res, err := s.collection.UpdateOne(ctx,
			mongoFilter(session.ID, session.TenantID),
			bson.M{"$setOnInsert": rec},
			options.Update().SetUpsert(true))
		if err != nil {
			return NewStorageError("save", mongoBackend, err)
		}
		if res.UpsertedCount == 0 {
			return ErrConflict
		}
		return nil
	}

	filter := mongoFilter(session.ID, session.TenantID)
	filter["version"] = expectedVersion
	res, err := s.collection.ReplaceOne(ctx, filter, rec)
	if err != nil {
		return NewStorageError("save", mongoBackend, err)
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

func (s *MongoStore) Load(ctx context.Context, sessionID, tenantID string) (*models.Session, error) {
	var rec mongoRecord
	err := s.collection.FindOne(ctx, mongoFilter(sessionID, tenantID)).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStorageError("load", mongoBackend, err)
	}
	session, err := s.decode(&rec)
	if err != nil {
		return nil, NewStorageError("load", mongoBackend, err)
	}
	return session, nil
}

func (s *MongoStore) Delete(ctx context.Context, sessionID, tenantID string) error {
	_, err := s.collection.DeleteOne(ctx, mongoFilter(sessionID, tenantID))
	return NewStorageError("delete", mongoBackend, err)
}

func (s *MongoStore) List(ctx context.Context, tenantID string, limit int) ([]*models.Session, error) {
	limit = normalizeLimit(limit)
	cursor, err := s.collection.Find(ctx,
		bson.M{"tenantId": tenantID},
		options.Find().
			SetSort(bson.D{{Key: "lastActivityAt", Value: -1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, NewStorageError("list", mongoBackend, err)
	}
	defer cursor.Close(ctx)

	var sessions []*models.Session
	for cursor.Next(ctx) {
		var rec mongoRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, NewStorageError("list", mongoBackend, err)
		}
		session, err := s.decode(&rec)
		if err != nil {
			return nil, NewStorageError("list", mongoBackend, err)
		}
		sessions = append(sessions, session)
	}
	return sessions, NewStorageError("list", mongoBackend, cursor.Err())
}

func (s *MongoStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{
		"$or": []bson.M{
			{"lastActivityAt": bson.M{"$lt": olderThan}},
			{"expiresAt": bson.M{"$lt": time.Now().UTC()}},
		},
	})
	if err != nil {
		return 0, NewStorageError("cleanup", mongoBackend, err)
	}
	return int(res.DeletedCount), nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.close(ctx)
}

func (s *MongoStore) encode(session *models.Session) (*mongoRecord, error) {
	history, err := s.codec.EncodeHistory(session.TenantID, session.History)
	if err != nil {
		return nil, err
	}
	metadata, err := s.codec.EncodeMetadata(session.TenantID, session.Metadata)
	if err != nil {
		return nil, err
	}
	return &mongoRecord{
		TenantID:       session.TenantID,
		SessionID:      session.ID,
		History:        history,
		Metadata:       metadata,
		Version:        session.Version,
		CreatedAt:      session.CreatedAt,
		LastActivityAt: session.LastActivityAt,
		ExpiresAt:      session.ExpiresAt,
	}, nil
}

func (s *MongoStore) decode(rec *mongoRecord) (*models.Session, error) {
	history, err := s.codec.DecodeHistory(rec.TenantID, rec.History)
	if err != nil {
		return nil, err
	}
	metadata, err := s.codec.DecodeMetadata(rec.TenantID, rec.Metadata)
	if err != nil {
		return nil, err
	}
	return &models.Session{
		ID:             rec.SessionID,
		TenantID:       rec.TenantID,
		History:        history,
		Metadata:       metadata,
		Version:        rec.Version,
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.LastActivityAt,
		ExpiresAt:      rec.ExpiresAt,
	}, nil
}
