// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage_test

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"hash"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"mellium.im/xmppd/storage"
)

func TestVerifyPlain(t *testing.T) {
	s := storage.NewMemStore()
	s.SetPassword("alice", "s3cr3t")

	ok, err := s.VerifyPlain(context.Background(), "alice", "s3cr3t")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.VerifyPlain(context.Background(), "alice", "wrong")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.VerifyPlain(context.Background(), "nobody", "s3cr3t")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScramCredentialsStable(t *testing.T) {
	s := storage.NewMemStore()
	s.SetPassword("alice", "s3cr3t")

	for _, h := range []func() hash.Hash{sha1.New, sha256.New} {
		first, err := s.ScramCredentials(context.Background(), "alice", h)
		require.NoError(t, err)
		require.GreaterOrEqual(t, first.Iterations, 4096)
		require.Len(t, first.StoredKey, h().Size())
		require.Len(t, first.ServerKey, h().Size())

		second, err := s.ScramCredentials(context.Background(), "alice", h)
		require.NoError(t, err)
		require.Equal(t, first, second, "derived credentials must be stable")
	}

	_, err := s.ScramCredentials(context.Background(), "nobody", sha1.New)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// RFC 5802 §5 test vector: user "user", pass "pencil", salt
// QSXCR+Q6sek8bf92, i=4096.
func TestDeriveScramVector(t *testing.T) {
	salt, err := base64.StdEncoding.DecodeString("QSXCR+Q6sek8bf92")
	require.NoError(t, err)

	creds := storage.DeriveScram("pencil", salt, 4096, sha1.New)
	require.Equal(t, "6dlGYMOdZcOPutkcNY8U2g7vK9Y=", base64.StdEncoding.EncodeToString(creds.StoredKey))
}

type failStore struct{ calls int }

func (f *failStore) VerifyPlain(context.Context, string, string) (bool, error) {
	f.calls++
	return false, errors.New("backend down")
}

func (f *failStore) ScramCredentials(context.Context, string, func() hash.Hash) (storage.ScramCreds, error) {
	f.calls++
	return storage.ScramCreds{}, errors.New("backend down")
}

func TestResilientTrips(t *testing.T) {
	backend := &failStore{}
	r := storage.NewResilient(backend, time.Minute)

	for i := 0; i < 10; i++ {
		_, err := r.VerifyPlain(context.Background(), "alice", "pw")
		require.Error(t, err)
	}
	// After five consecutive failures the breaker is open and stops
	// calling the backend.
	require.Equal(t, 5, backend.calls)
}

func TestResilientNotFoundDoesNotTrip(t *testing.T) {
	r := storage.NewResilient(storage.NewMemStore(), time.Minute)
	for i := 0; i < 10; i++ {
		_, err := r.ScramCredentials(context.Background(), "nobody", sha1.New)
		require.ErrorIs(t, err, storage.ErrNotFound)
	}
}
