// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"hash"
	"time"

	"github.com/sony/gobreaker"
)

// Resilient wraps a UserStore in a circuit breaker. When the backing store
// keeps failing, further lookups fail immediately with the breaker open
// instead of stacking up connections behind a dead backend; the SASL layer
// reports these as temporary authentication failures.
type Resilient struct {
	store UserStore
	cb    *gobreaker.CircuitBreaker
}

// NewResilient returns a Resilient wrapping store. A zero timeout uses
// gobreaker's default of 60 seconds before the breaker transitions to
// half-open.
func NewResilient(store UserStore, timeout time.Duration) *Resilient {
	return &Resilient{
		store: store,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "userstore",
			Timeout: timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// VerifyPlain implements UserStore.
func (r *Resilient) VerifyPlain(ctx context.Context, username, password string) (bool, error) {
	v, err := r.cb.Execute(func() (interface{}, error) {
		return r.store.VerifyPlain(ctx, username, password)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// ScramCredentials implements UserStore.
func (r *Resilient) ScramCredentials(ctx context.Context, username string, h func() hash.Hash) (ScramCreds, error) {
	v, err := r.cb.Execute(func() (interface{}, error) {
		creds, err := r.store.ScramCredentials(ctx, username, h)
		if err == ErrNotFound {
			// An unknown user is a successful lookup as far as the
			// breaker is concerned.
			return creds, nil
		}
		return creds, err
	})
	if err != nil {
		return ScramCreds{}, err
	}
	creds := v.(ScramCreds)
	if len(creds.StoredKey) == 0 {
		return creds, ErrNotFound
	}
	return creds, nil
}
