package goAuthenticator

import (
	"github.com/MrEthical07/goAuthenticator/internal/stores"
	"github.com/redis/go-redis/v9"
)

// RedisIdentityStore persists mechanisms in Redis. It implements [IdentityStore] and
// [IdentitySource].
type RedisIdentityStore struct {
	recordStore
}

// NewRedisIdentityStore returns a store keyed under prefix (see StoreConfig.RedisPrefix).
func NewRedisIdentityStore(client redis.UniversalClient, prefix string) *RedisIdentityStore {
	return &RedisIdentityStore{
		recordStore: recordStore{backend: stores.NewRedisMechanismStore(client, prefix)},
	}
}
