package stores

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// identityMemberSep joins issuer and account in the identity set. Unit separator never
// appears in labels parsed from URIs.
const identityMemberSep = "\x1f"

// RedisMechanismStore keeps mechanism records and per-identity index sets in Redis.
type RedisMechanismStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisMechanismStore(redisClient redis.UniversalClient, prefix string) *RedisMechanismStore {
	if prefix == "" {
		prefix = "gam"
	}
	return &RedisMechanismStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RedisMechanismStore) key(id string) string {
	return s.prefix + ":m:" + id
}

func (s *RedisMechanismStore) indexKey(issuer, account string) string {
	return s.prefix + ":i:" + issuer + identityMemberSep + account
}

func (s *RedisMechanismStore) identitiesKey() string {
	return s.prefix + ":ids"
}

// Save writes the record and its index entry atomically. An existing ID is rejected and
// leaves every index untouched.
func (s *RedisMechanismStore) Save(ctx context.Context, record *MechanismRecord) error {
	encoded, err := encodeMechanismRecord(record)
	if err != nil {
		return err
	}

	const maxRetries = 4
	key := s.key(record.ID)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if exists > 0 {
				return ErrRecordExists
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				pipe.SAdd(ctx, s.indexKey(record.Issuer, record.AccountName), record.ID)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrRecordExists) {
				return ErrRecordExists
			}
			return fmt.Errorf("%w: %v", ErrBackend, err)
		}
		return nil
	}
	return fmt.Errorf("%w: save %s: too much contention", ErrBackend, record.ID)
}

// Update rewrites an existing record through fn. The record's ID and identity are fixed; fn
// may change anything else. Concurrent updates of one record are serialized by WATCH.
func (s *RedisMechanismStore) Update(ctx context.Context, id string, fn func(*MechanismRecord) error) error {
	const maxRetries = 4
	key := s.key(id)

	for i := 0; i < maxRetries; i++ {
		var recordErr error
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					recordErr = ErrRecordNotFound
					return recordErr
				}
				return err
			}
			record, err := decodeMechanismRecord(data)
			if err != nil {
				recordErr = err
				return err
			}
			issuer, account := record.Issuer, record.AccountName
			if err := fn(record); err != nil {
				recordErr = err
				return err
			}
			record.ID, record.Issuer, record.AccountName = id, issuer, account
			encoded, err := encodeMechanismRecord(record)
			if err != nil {
				recordErr = err
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if recordErr != nil {
			return recordErr
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackend, err)
		}
		return nil
	}
	return fmt.Errorf("%w: update %s: too much contention", ErrBackend, id)
}

// Get returns the record for id.
func (s *RedisMechanismStore) Get(ctx context.Context, id string) (*MechanismRecord, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return decodeMechanismRecord(data)
}

// Delete removes the record and its index entry. It reports whether a record existed.
func (s *RedisMechanismStore) Delete(ctx context.Context, id string) (bool, error) {
	record, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	var deleted *redis.IntCmd
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.key(id))
		pipe.SRem(ctx, s.indexKey(record.Issuer, record.AccountName), id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return deleted.Val() > 0, nil
}

// ListByIdentity returns the identity's records ordered by creation time.
func (s *RedisMechanismStore) ListByIdentity(ctx context.Context, issuer, account string) ([]*MechanismRecord, error) {
	ids, err := s.redis.SMembers(ctx, s.indexKey(issuer, account)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	records := make([]*MechanismRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt == records[j].CreatedAt {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt < records[j].CreatedAt
	})
	return records, nil
}

// SaveIdentity adds the identity to the identity set.
func (s *RedisMechanismStore) SaveIdentity(ctx context.Context, key IdentityKey) error {
	if err := s.redis.SAdd(ctx, s.identitiesKey(), key.Issuer+identityMemberSep+key.AccountName).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// ListIdentities returns the saved identities sorted by issuer then account.
func (s *RedisMechanismStore) ListIdentities(ctx context.Context) ([]IdentityKey, error) {
	members, err := s.redis.SMembers(ctx, s.identitiesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	sort.Strings(members)

	out := make([]IdentityKey, 0, len(members))
	for _, m := range members {
		issuer, account, ok := strings.Cut(m, identityMemberSep)
		if !ok {
			continue
		}
		out = append(out, IdentityKey{Issuer: issuer, AccountName: account})
	}
	return out, nil
}
