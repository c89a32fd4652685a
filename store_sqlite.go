package goAuthenticator

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/MrEthical07/goAuthenticator/internal/stores"
	_ "modernc.org/sqlite"
)

// SQLiteIdentityStore persists identities and mechanisms in a SQLite database. It implements
// [IdentityStore] and [IdentitySource].
type SQLiteIdentityStore struct {
	recordStore
	db    *sql.DB
	owned bool
}

// OpenSQLiteIdentityStore opens (creating if needed) the database at path and applies
// migrations. Close releases the database.
func OpenSQLiteIdentityStore(ctx context.Context, path string) (*SQLiteIdentityStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteIdentityStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewSQLiteIdentityStore wraps an open database and applies migrations. The caller keeps
// ownership of db.
func NewSQLiteIdentityStore(ctx context.Context, db *sql.DB) (*SQLiteIdentityStore, error) {
	if err := stores.Migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("migrate identity store: %w", err)
	}
	return &SQLiteIdentityStore{
		recordStore: recordStore{backend: stores.NewSQLMechanismStore(db)},
		db:          db,
	}, nil
}

// Close closes the database if the store opened it.
func (s *SQLiteIdentityStore) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}
