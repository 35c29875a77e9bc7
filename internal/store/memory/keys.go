// Package memory implementa KeyStore y JobStore en memoria de proceso.
// Útil para tests y despliegues de un solo nodo sin durabilidad.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
)

// KeyStore guarda claves en un map protegido por RWMutex.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]*repository.Key
}

var _ repository.KeyStore = (*KeyStore)(nil)

func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]*repository.Key)}
}

// Put reemplaza o inserta todas las claves bajo un único lock.
func (s *KeyStore) Put(ctx context.Context, keys ...*repository.Key) error {
	for _, k := range keys {
		if k == nil || k.ID == "" || k.ActorID == "" {
			return repository.ErrInvalidInput
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.keys[k.ID] = k.Clone()
	}
	return nil
}

func (s *KeyStore) Get(ctx context.Context, keyID string) (*repository.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return k.Clone(), nil
}

func (s *KeyStore) ListByActor(ctx context.Context, actorID string) ([]*repository.Key, error) {
	return s.filter(func(k *repository.Key) bool { return k.ActorID == actorID }), nil
}

func (s *KeyStore) ListActive(ctx context.Context, actorID string) ([]*repository.Key, error) {
	return s.filter(func(k *repository.Key) bool {
		return k.ActorID == actorID && k.State == repository.KeyActive
	}), nil
}

func (s *KeyStore) ListByState(ctx context.Context, state repository.KeyState) ([]*repository.Key, error) {
	return s.filter(func(k *repository.Key) bool { return k.State == state }), nil
}

// filter devuelve copias ordenadas por CreatedAt descendente.
func (s *KeyStore) filter(match func(*repository.Key) bool) []*repository.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*repository.Key, 0, 4)
	for _, k := range s.keys {
		if match(k) {
			out = append(out, k.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
