package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix identifies gateway API keys in bearer tokens.
const KeyPrefix = "mjk_"

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyExpired  = errors.New("api key expired")
	ErrKeyDisabled = errors.New("api key disabled")
)

// APIKey is a locally issued key for dev deployments without an identity proxy.
// The plaintext is returned once at creation; only the bcrypt hash is kept.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	Lookup     string     `json:"key_prefix"` // first 12 chars for identification
	Principal  Principal  `json:"principal"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Enabled    bool       `json:"enabled"`
}

// KeyStore manages local API keys in memory. Keys are provisioned at startup
// from config or via the admin API; durability is not a goal for dev mode.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // lookup prefix -> key
}

// NewKeyStore creates an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]*APIKey)}
}

// Create generates a new API key bound to a principal, stores the bcrypt
// hash, and returns the plaintext once.
func (ks *KeyStore) Create(name string, p Principal, expiresAt *time.Time) (*APIKey, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	plain := KeyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	key := &APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   string(hash),
		Lookup:    plain[:12],
		Principal: p,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
		Enabled:   true,
	}

	ks.mu.Lock()
	ks.keys[key.Lookup] = key
	ks.mu.Unlock()

	return key, plain, nil
}

// Validate checks a presented token and returns the bound principal.
func (ks *KeyStore) Validate(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if len(token) < 12 || !strings.HasPrefix(token, KeyPrefix) {
		return Principal{}, ErrKeyNotFound
	}

	ks.mu.RLock()
	key, ok := ks.keys[token[:12]]
	ks.mu.RUnlock()
	if !ok {
		return Principal{}, ErrKeyNotFound
	}

	if !key.Enabled {
		return Principal{}, ErrKeyDisabled
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return Principal{}, ErrKeyExpired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(token)); err != nil {
		return Principal{}, ErrKeyNotFound
	}

	now := time.Now().UTC()
	ks.mu.Lock()
	key.LastUsedAt = &now
	ks.mu.Unlock()

	return key.Principal, nil
}

// Revoke disables a key by id.
func (ks *KeyStore) Revoke(id string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for _, key := range ks.keys {
		if key.ID == id {
			key.Enabled = false
			return nil
		}
	}
	return ErrKeyNotFound
}

// List returns all stored keys (hashes excluded by JSON tags).
func (ks *KeyStore) List() []APIKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]APIKey, 0, len(ks.keys))
	for _, key := range ks.keys {
		out = append(out, *key)
	}
	return out
}
