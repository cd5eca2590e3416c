// Package secrets implements the at-rest encryption layer for
// channel-connection access tokens, webhook verify tokens, CRM tokens,
// and LLM-provider OAuth credentials (spec.md §10).
//
// A single process-wide key is derived from PROCESS_SECRET with
// Argon2id (memory-hard, resists GPU brute force better than PBKDF2),
// then used as a ChaCha20-Poly1305 AEAD key. Every encrypted blob
// carries its own random nonce so the store never reuses one.
package secrets

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	keyLen       = chacha20poly1305.KeySize
)

// saltSize must stay fixed: it's persisted alongside the process secret
// so the same key can be re-derived across restarts.
const saltSize = 16

// DeriveKey turns the operator-supplied PROCESS_SECRET plus a
// persisted salt into a 32-byte AEAD key.
func DeriveKey(processSecret string, salt []byte) []byte {
	return argon2.IDKey([]byte(processSecret), salt, argonTime, argonMemory, argonThreads, uint32(keyLen))
}

// NewSalt generates a fresh random salt; callers persist it once
// (e.g. in the store's metadata table) and reuse it forever after.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("secrets: generate salt: %w", err)
	}
	return salt, nil
}

// Backend is the minimal persistence contract the encrypted Store
// needs — satisfied by pkg/store's sqlite-backed key/value table.
type Backend interface {
	GetSecret(key string) ([]byte, bool, error)
	PutSecret(key string, ciphertext []byte) error
	DeleteSecret(key string) error
}

// Store encrypts values transparently before handing them to Backend,
// and decrypts on read. Callers never see ciphertext.
type Store struct {
	mu      sync.Mutex
	aead    cipherAEAD
	backend Backend
}

// cipherAEAD is the subset of cipher.AEAD Store needs, so tests can
// substitute a fake.
type cipherAEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

func New(key []byte, backend Backend) (*Store, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init AEAD: %w", err)
	}
	return &Store{aead: aead, backend: backend}, nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secrets: generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(blob []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(blob) < n {
		return nil, errors.New("secrets: ciphertext too short")
	}
	nonce, ciphertext := blob[:n], blob[n:]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}

// EncryptBlob and DecryptBlob expose the same AEAD used for Put/Get to
// callers that already own their own ciphertext column instead of a
// named secret — model.ChannelConnection.AccessTokenEnc/VerifyTokenEnc
// are encrypted/decrypted this way rather than round-tripped through
// Backend, since they live on the channel_connections row itself.
func (s *Store) EncryptBlob(value []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encrypt(value)
}

func (s *Store) DecryptBlob(blob []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decrypt(blob)
}

// Put encrypts value and persists it under key.
func (s *Store) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, err := s.encrypt(value)
	if err != nil {
		return err
	}
	return s.backend.PutSecret(key, blob)
}

// Get decrypts and returns the value stored under key, or ok=false if
// absent.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok, err := s.backend.GetSecret(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	plaintext, err := s.decrypt(blob)
	if err != nil {
		return nil, false, fmt.Errorf("secrets: decrypt %q: %w", key, err)
	}
	return plaintext, true, nil
}

func (s *Store) Delete(key string) error {
	return s.backend.DeleteSecret(key)
}

// PutJSON encrypts the JSON encoding of v under key.
func (s *Store) PutJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("secrets: marshal %q: %w", key, err)
	}
	return s.Put(key, data)
}

// GetJSON decrypts the value under key and unmarshals it into v.
func (s *Store) GetJSON(key string, v interface{}) (bool, error) {
	data, ok, err := s.Get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("secrets: unmarshal %q: %w", key, err)
	}
	return true, nil
}
