package storage

import (
	"errors"

	"bazaar/internal/models"

	"github.com/c-pro/geche"
)

const memoryCredentialKey = "credential"

// MemoryStorage keeps the credential for the lifetime of the process only.
type MemoryStorage struct {
	cache *geche.MapCache[string, models.Credential]
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{cache: geche.NewMapCache[string, models.Credential]()}
}

func (s *MemoryStorage) LoadCredential() (models.Credential, error) {
	cred, err := s.cache.Get(memoryCredentialKey)
	if errors.Is(err, geche.ErrNotFound) {
		return models.Credential{}, models.ErrNotFound
	}
	return cred, err
}

func (s *MemoryStorage) SaveCredential(cred models.Credential) error {
	s.cache.Set(memoryCredentialKey, cred)
	return nil
}

func (s *MemoryStorage) DeleteCredential() error {
	if err := s.cache.Del(memoryCredentialKey); err != nil && !errors.Is(err, geche.ErrNotFound) {
		return err
	}
	return nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
