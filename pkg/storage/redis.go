package storage

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	goredislib "github.com/redis/go-redis/v9"
)

const redisScanBatchSize = 1000

// RedisDB is a redis-backed implementation of ServiceStorage. Namespaces are
// folded into key prefixes since redis has a flat keyspace.
type RedisDB struct {
	db *goredislib.Client
}

func NewRedisDB(address, password string) *RedisDB {
	client := goredislib.NewClient(&goredislib.Options{
		Addr:     address,
		Password: password,
	})
	return &RedisDB{db: client}
}

func (b *RedisDB) Close() error {
	return b.db.Close()
}

func (b *RedisDB) Write(ctx context.Context, namespace, key string, value []byte) error {
	// Zero expiration means the key has no expiration time.
	return b.db.Set(ctx, getRedisKey(namespace, key), value, 0).Err()
}

func (b *RedisDB) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	v, err := b.db.Get(ctx, getRedisKey(namespace, key)).Bytes()
	if errors.Is(err, goredislib.Nil) {
		return nil, nil
	}
	return v, err
}

func (b *RedisDB) ReadAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	keys, err := b.readAllKeys(ctx, namespace)
	if err != nil {
		return nil, errors.Wrap(err, "read all keys")
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := b.db.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "getting multiple keys")
	}
	if len(keys) != len(values) {
		return nil, errors.New("key length does not match value length")
	}

	result := make(map[string][]byte, len(keys))
	prefixLen := len(getRedisKey(namespace, ""))
	for i, val := range values {
		if val == nil {
			continue
		}
		result[keys[i][prefixLen:]] = []byte(fmt.Sprintf("%v", val))
	}
	return result, nil
}

func (b *RedisDB) Delete(ctx context.Context, namespace, key string) error {
	return b.db.Del(ctx, getRedisKey(namespace, key)).Err()
}

func (b *RedisDB) DeleteNamespace(ctx context.Context, namespace string) error {
	keys, err := b.readAllKeys(ctx, namespace)
	if err != nil {
		return errors.Wrap(err, "read all keys")
	}
	if len(keys) == 0 {
		return nil
	}
	return b.db.Del(ctx, keys...).Err()
}

func (b *RedisDB) readAllKeys(ctx context.Context, namespace string) ([]string, error) {
	var cursor uint64
	allKeys := make([]string, 0)
	for {
		keys, nextCursor, err := b.db.Scan(ctx, cursor, getRedisKey(namespace, "")+"*", redisScanBatchSize).Result()
		if err != nil {
			return nil, errors.Wrap(err, "scan error")
		}
		allKeys = append(allKeys, keys...)
		if nextCursor == 0 {
			break
		}
		cursor = nextCursor
	}
	return allKeys, nil
}

func getRedisKey(namespace, key string) string {
	return namespace + "-" + key
}
