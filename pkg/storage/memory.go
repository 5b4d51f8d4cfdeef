package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MemoryDB is an in memory implementation of ServiceStorage that is safe for concurrent use.
type MemoryDB struct {
	maps sync.Map
}

func (f *MemoryDB) Close() error {
	return nil
}

func (f *MemoryDB) Write(_ context.Context, namespace, key string, value []byte) error {
	if namespace == "" {
		return errors.New("namespace required")
	}
	if key == "" {
		return errors.New("key required")
	}

	b, _ := f.maps.LoadOrStore(namespace, &sync.Map{})
	b.(*sync.Map).Store(key, value)
	return nil
}

func (f *MemoryDB) Read(_ context.Context, namespace, key string) ([]byte, error) {
	if namespace == "" {
		return nil, nil
	}
	if key == "" {
		return nil, errors.New("key required")
	}
	m, ok := f.maps.Load(namespace)
	if !ok {
		return nil, nil
	}

	v, _ := m.(*sync.Map).Load(key)
	if v == nil {
		return nil, nil
	}
	return v.([]byte), nil
}

func (f *MemoryDB) ReadAll(_ context.Context, namespace string) (map[string][]byte, error) {
	if namespace == "" {
		return nil, nil
	}
	m, _ := f.maps.LoadOrStore(namespace, &sync.Map{})
	r := make(map[string][]byte)
	m.(*sync.Map).Range(func(key, value any) bool {
		r[key.(string)] = value.([]byte)
		return true
	})
	return r, nil
}

func (f *MemoryDB) Delete(_ context.Context, namespace, key string) error {
	if namespace == "" {
		return errors.New("namespace required")
	}
	if key == "" {
		return errors.New("key required")
	}

	b, ok := f.maps.Load(namespace)
	if !ok {
		return errors.Errorf("namespace<%s> does not exist", namespace)
	}
	b.(*sync.Map).Delete(key)
	return nil
}

func (f *MemoryDB) DeleteNamespace(_ context.Context, namespace string) error {
	if namespace == "" {
		return errors.New("namespace required")
	}
	if _, loaded := f.maps.LoadAndDelete(namespace); !loaded {
		return errors.Errorf("could not delete namespace<%s>", namespace)
	}
	return nil
}
