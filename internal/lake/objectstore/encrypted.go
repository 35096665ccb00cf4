package objectstore

import (
	"context"
	"fmt"

	"github.com/OCWC22/neuralake/internal/crypto"
)

// EncryptedStore wraps a Store and encrypts every object with
// AES-256-GCM before it reaches the backing store. Keys and listing
// stay in the clear; only object contents are protected. PutIfAbsent
// keeps its compare-and-swap semantics since the condition is on the
// key, not the payload.
type EncryptedStore struct {
	inner     Store
	encryptor *crypto.Encryptor
}

// NewEncryptedStore wraps inner with at-rest encryption using the
// base64-encoded AES-256 key.
func NewEncryptedStore(inner Store, keyBase64 string) (*EncryptedStore, error) {
	encryptor, err := crypto.NewEncryptorFromString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("init storage encryption: %w", err)
	}
	return &EncryptedStore{inner: inner, encryptor: encryptor}, nil
}

// Put encrypts data and writes it unconditionally.
func (s *EncryptedStore) Put(ctx context.Context, key string, data []byte) error {
	ciphertext, err := s.encryptor.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", key, err)
	}
	return s.inner.Put(ctx, key, ciphertext)
}

// PutIfAbsent encrypts data and writes it only if the key is free.
func (s *EncryptedStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	ciphertext, err := s.encryptor.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", key, err)
	}
	return s.inner.PutIfAbsent(ctx, key, ciphertext)
}

// Get reads and decrypts an object.
func (s *EncryptedStore) Get(ctx context.Context, key string) ([]byte, error) {
	ciphertext, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.encryptor.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", key, err)
	}
	return plaintext, nil
}

// List returns the keys under the prefix in lexicographic order.
func (s *EncryptedStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// Delete removes an object.
func (s *EncryptedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// Ensure EncryptedStore implements Store.
var _ Store = (*EncryptedStore)(nil)
