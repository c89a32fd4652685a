package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLMechanismStore keeps identities and mechanism records in a database/sql database.
// Queries use SQLite placeholder syntax.
type SQLMechanismStore struct {
	db *sql.DB
}

func NewSQLMechanismStore(db *sql.DB) *SQLMechanismStore {
	return &SQLMechanismStore{db: db}
}

// Save inserts the record. An existing ID is rejected with ErrRecordExists.
func (s *SQLMechanismStore) Save(ctx context.Context, record *MechanismRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mechanisms(id, issuer, account_name, kind, protocol, created_at, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Issuer, record.AccountName, record.Kind, record.Protocol, record.CreatedAt, record.Payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRecordExists
		}
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// Get returns the record for id.
func (s *SQLMechanismStore) Get(ctx context.Context, id string) (*MechanismRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, issuer, account_name, kind, protocol, created_at, payload FROM mechanisms WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return record, nil
}

// Update rewrites an existing record's payload through fn inside one transaction. The record's
// ID and identity are fixed.
func (s *SQLMechanismStore) Update(ctx context.Context, id string, fn func(*MechanismRecord) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT id, issuer, account_name, kind, protocol, created_at, payload FROM mechanisms WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRecordNotFound
		}
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := fn(record); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE mechanisms SET kind = ?, protocol = ?, payload = ? WHERE id = ?`,
		record.Kind, record.Protocol, record.Payload, id,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// Delete removes the record and reports whether it existed.
func (s *SQLMechanismStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mechanisms WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return n > 0, nil
}

// ListByIdentity returns the identity's records ordered by creation time.
func (s *SQLMechanismStore) ListByIdentity(ctx context.Context, issuer, account string) ([]*MechanismRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, issuer, account_name, kind, protocol, created_at, payload FROM mechanisms
		 WHERE issuer = ? AND account_name = ? ORDER BY created_at, id`, issuer, account)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer rows.Close()

	var records []*MechanismRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return records, nil
}

// SaveIdentity inserts the identity if it is not already present.
func (s *SQLMechanismStore) SaveIdentity(ctx context.Context, key IdentityKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities(issuer, account_name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(issuer, account_name) DO NOTHING`,
		key.Issuer, key.AccountName, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// ListIdentities returns the saved identities sorted by issuer then account.
func (s *SQLMechanismStore) ListIdentities(ctx context.Context) ([]IdentityKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT issuer, account_name FROM identities ORDER BY issuer, account_name`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer rows.Close()

	var out []IdentityKey
	for rows.Next() {
		var key IdentityKey
		if err := rows.Scan(&key.Issuer, &key.AccountName); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*MechanismRecord, error) {
	var record MechanismRecord
	if err := row.Scan(&record.ID, &record.Issuer, &record.AccountName, &record.Kind, &record.Protocol, &record.CreatedAt, &record.Payload); err != nil {
		return nil, err
	}
	return &record, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
