// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package storage defines the credential store consumed by the SASL layer.
//
// The server core does not persist anything itself; deployments provide a
// UserStore backed by whatever they use for accounts. MemStore is an
// in-memory implementation suitable for tests and development, and Resilient
// wraps any UserStore in a circuit breaker so that a failing backend degrades
// to fast authentication failures instead of piling up blocked connections.
package storage // import "mellium.im/xmppd/storage"

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"hash"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// ErrNotFound is returned by a UserStore when the requested user does not
// exist. The SASL layer reports it to clients exactly like a bad password so
// that account existence is not revealed.
var ErrNotFound = errors.New("storage: user not found")

// DefaultIterations is the PBKDF2 iteration count used when deriving SCRAM
// credentials. RFC 7677 requires at least 4096.
const DefaultIterations = 4096

// ScramCreds holds the derived credentials needed to verify a SCRAM exchange
// without access to the plaintext password.
type ScramCreds struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// A UserStore provides credential verification for the SASL mechanisms.
type UserStore interface {
	// VerifyPlain reports whether the password matches the named account.
	VerifyPlain(ctx context.Context, username, password string) (bool, error)

	// ScramCredentials returns the stored SCRAM credentials for the named
	// account and hash. Hash is the Go constructor for the mechanism's
	// digest (sha1.New or sha256.New). Returns ErrNotFound for unknown
	// accounts.
	ScramCredentials(ctx context.Context, username string, h func() hash.Hash) (ScramCreds, error)
}

// MemStore is an in-memory UserStore.
//
// SCRAM credentials are derived lazily per user and hash with a random salt
// and DefaultIterations, then cached so repeated authentications see stable
// values.
type MemStore struct {
	mu        sync.RWMutex
	passwords map[string]string
	derived   map[string]ScramCreds
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		passwords: make(map[string]string),
		derived:   make(map[string]ScramCreds),
	}
}

// SetPassword creates the account if necessary and sets its password,
// invalidating any previously derived SCRAM credentials.
func (s *MemStore) SetPassword(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwords[username] = password
	delete(s.derived, username+"\x00sha1")
	delete(s.derived, username+"\x00sha256")
}

// VerifyPlain implements UserStore.
func (s *MemStore) VerifyPlain(_ context.Context, username, password string) (bool, error) {
	s.mu.RLock()
	stored, ok := s.passwords[username]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1, nil
}

// ScramCredentials implements UserStore.
func (s *MemStore) ScramCredentials(_ context.Context, username string, h func() hash.Hash) (ScramCreds, error) {
	key := username + "\x00" + hashName(h)

	s.mu.RLock()
	creds, ok := s.derived[key]
	password, exists := s.passwords[username]
	s.mu.RUnlock()
	if ok {
		return creds, nil
	}
	if !exists {
		return ScramCreds{}, ErrNotFound
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return ScramCreds{}, errors.Wrap(err, "storage: generating salt")
	}
	creds = DeriveScram(password, salt, DefaultIterations, h)

	s.mu.Lock()
	s.derived[key] = creds
	s.mu.Unlock()
	return creds, nil
}

// DeriveScram derives SCRAM credentials from a plaintext password per
// RFC 5802 §3: SaltedPassword = Hi(password, salt, i), ClientKey =
// HMAC(SaltedPassword, "Client Key"), StoredKey = H(ClientKey), ServerKey =
// HMAC(SaltedPassword, "Server Key").
func DeriveScram(password string, salt []byte, iterations int, h func() hash.Hash) ScramCreds {
	salted := pbkdf2.Key([]byte(password), salt, iterations, h().Size(), h)

	ckMac := hmac.New(h, salted)
	ckMac.Write([]byte("Client Key"))
	clientKey := ckMac.Sum(nil)

	storedHash := h()
	storedHash.Write(clientKey)
	storedKey := storedHash.Sum(nil)

	skMac := hmac.New(h, salted)
	skMac.Write([]byte("Server Key"))
	serverKey := skMac.Sum(nil)

	return ScramCreds{
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  storedKey,
		ServerKey:  serverKey,
	}
}

func hashName(h func() hash.Hash) string {
	switch h().Size() {
	case sha1.Size:
		return "sha1"
	case sha256.Size:
		return "sha256"
	}
	return "unknown"
}
