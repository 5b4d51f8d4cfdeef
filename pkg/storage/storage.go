// Package storage provides the key-value storage abstraction the verifier's
// session state lives in, independent of DB providers.
package storage

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Provider names a concrete ServiceStorage implementation.
type Provider string

const (
	MemoryProvider Provider = "memory"
	BoltProvider   Provider = "bolt"
	RedisProvider  Provider = "redis"
)

// ServiceStorage describes the api for storage independent of DB providers.
// All operations are keyed lookups; there is no implicit iteration in the
// verification path.
type ServiceStorage interface {
	Close() error
	Write(ctx context.Context, namespace, key string, value []byte) error
	Read(ctx context.Context, namespace, key string) ([]byte, error)
	ReadAll(ctx context.Context, namespace string) (map[string][]byte, error)
	Delete(ctx context.Context, namespace, key string) error
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Option carries provider-specific connection settings.
type Option struct {
	// Location is the file path for bolt and the address for redis.
	Location string
	Password string
}

// NewServiceStorage instantiates the configured storage provider.
func NewServiceStorage(provider Provider, option Option) (ServiceStorage, error) {
	switch provider {
	case MemoryProvider, "":
		return new(MemoryDB), nil
	case BoltProvider:
		return NewBoltDB(option.Location)
	case RedisProvider:
		return NewRedisDB(option.Location, option.Password), nil
	default:
		return nil, errors.Errorf("unsupported storage provider: %s", provider)
	}
}

// MakeNamespace takes a set of possible namespace values and combines them as a convention
func MakeNamespace(ns ...string) string {
	return strings.Join(ns, "-")
}
