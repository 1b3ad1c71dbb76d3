package state

import (
	"bytes"
	"context"

	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryStore is a process-local Store. Contents are lost on exit.
type MemoryStore struct {
	m *xsync.Map[string, []byte]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: xsync.NewMap[string, []byte]()}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.m.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.m.Store(key, bytes.Clone(value))
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.m.Delete(key)
	return nil
}
