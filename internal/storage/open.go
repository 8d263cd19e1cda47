package storage

import (
	"fmt"

	"sessiond/internal/database"
)

// Backend names accepted by Open. They match the config file values.
const (
	BackendFile       = "file"
	BackendMemory     = "memory"
	BackendKV         = "kv"
	BackendRelational = "relational"
	BackendDocument   = "document"
)

// Open constructs the adapter named by backend. connection is
// backend-specific: a file path for "file", a redis:// URL for "kv", a
// mysql:// DSN for "relational", a mongodb:// URI for "document", and
// ignored for "memory".
func Open(backend, connection string, codec *Codec) (Store, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return NewSQLiteStore(connection, codec)
	case BackendKV:
		return NewRedisStore(connection, codec)
	case BackendRelational:
		db, err := database.New(connection)
		if err != nil {
			return nil, err
		}
		if err := db.Initialize(); err != nil {
			db.Close()
			return nil, err
		}
		return NewMySQLStore(db, codec), nil
	case BackendDocument:
		db, err := database.NewMongoDB(connection)
		if err != nil {
			return nil, err
		}
		return NewMongoStore(db, codec), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
