package goAuthenticator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goAuthenticator/internal/stores"
)

// recordBackend is the record-level contract both internal stores satisfy.
type recordBackend interface {
	Save(ctx context.Context, record *stores.MechanismRecord) error
	Get(ctx context.Context, id string) (*stores.MechanismRecord, error)
	Delete(ctx context.Context, id string) (bool, error)
	Update(ctx context.Context, id string, fn func(*stores.MechanismRecord) error) error
	ListByIdentity(ctx context.Context, issuer, account string) ([]*stores.MechanismRecord, error)
	SaveIdentity(ctx context.Context, key stores.IdentityKey) error
	ListIdentities(ctx context.Context) ([]stores.IdentityKey, error)
}

// recordStore maps mechanisms onto a record backend. The handle of a persisted mechanism is its
// ID.
type recordStore struct {
	backend recordBackend
}

// Persist implements [IdentityStore].
func (s *recordStore) Persist(ctx context.Context, m *Mechanism) (StoreHandle, error) {
	record, err := mechanismToRecord(m)
	if err != nil {
		return "", err
	}
	if err := s.backend.Save(ctx, record); err != nil {
		if errors.Is(err, stores.ErrRecordExists) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateMechanism, m.ID)
		}
		return "", err
	}
	return StoreHandle(m.ID), nil
}

// Delete implements [IdentityStore]. Deleting a missing record is not an error.
func (s *recordStore) Delete(ctx context.Context, handle StoreHandle) error {
	if handle == "" {
		return nil
	}
	_, err := s.backend.Delete(ctx, string(handle))
	return err
}

// Lookup loads a persisted mechanism. Missing records return [ErrMechanismNotFound].
func (s *recordStore) Lookup(ctx context.Context, handle StoreHandle) (*Mechanism, error) {
	record, err := s.backend.Get(ctx, string(handle))
	if err != nil {
		if errors.Is(err, stores.ErrRecordNotFound) {
			return nil, ErrMechanismNotFound
		}
		return nil, err
	}
	return recordToMechanism(record)
}

// NextCode returns the code for a HOTP mechanism's stored counter and persists the advanced
// counter in the same update, so a code is never handed out twice.
func (s *recordStore) NextCode(ctx context.Context, handle StoreHandle) (string, error) {
	var code string
	err := s.backend.Update(ctx, string(handle), func(record *stores.MechanismRecord) error {
		m, err := recordToMechanism(record)
		if err != nil {
			return err
		}
		if m.OTP == nil || m.OTP.Type != OTPTypeHOTP {
			return ErrNotCounterBased
		}
		if code, err = m.OTP.Code(time.Time{}); err != nil {
			return err
		}
		m.OTP.Counter++
		next, err := mechanismToRecord(m)
		if err != nil {
			return err
		}
		record.Payload = next.Payload
		return nil
	})
	if errors.Is(err, stores.ErrRecordNotFound) {
		return "", ErrMechanismNotFound
	}
	if err != nil {
		return "", err
	}
	return code, nil
}

// Mechanisms returns the identity's mechanisms ordered by creation time.
func (s *recordStore) Mechanisms(ctx context.Context, ref IdentityRef) ([]*Mechanism, error) {
	records, err := s.backend.ListByIdentity(ctx, ref.Issuer, ref.AccountName)
	if err != nil {
		return nil, err
	}
	out := make([]*Mechanism, 0, len(records))
	for _, r := range records {
		m, err := recordToMechanism(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// SaveIdentity records an identity so [LoadIdentityModel] recreates it.
func (s *recordStore) SaveIdentity(ctx context.Context, ref IdentityRef) error {
	if !ref.Valid() {
		return ErrIdentityNotFound
	}
	return s.backend.SaveIdentity(ctx, stores.IdentityKey{Issuer: ref.Issuer, AccountName: ref.AccountName})
}

// Identities returns the saved identities sorted by issuer then account name.
func (s *recordStore) Identities(ctx context.Context) ([]IdentityRef, error) {
	keys, err := s.backend.ListIdentities(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]IdentityRef, 0, len(keys))
	for _, k := range keys {
		out = append(out, IdentityRef{Issuer: k.Issuer, AccountName: k.AccountName})
	}
	return out, nil
}
