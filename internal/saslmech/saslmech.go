// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package saslmech provides the server halves of the SASL mechanisms offered
// on client streams: PLAIN, SCRAM-SHA-1, and SCRAM-SHA-256.
//
// The mechanisms are expressed against the mellium.im/sasl Mechanism
// contract and are driven by a negotiator created with sasl.NewServer.
// Credentials are looked up through a storage.UserStore; lookup failures are
// indistinguishable from bad passwords on the wire.
package saslmech // import "mellium.im/xmppd/internal/saslmech"

import (
	"context"

	"mellium.im/sasl"

	"mellium.im/xmppd/internal/saslerr"
	"mellium.im/xmppd/storage"
)

// Identity receives the authenticated username once a mechanism completes
// successfully. A fresh Identity is used per authentication attempt.
type Identity struct {
	Username string
}

// Names of the supported mechanisms, in server preference order (strongest
// first).
var Names = []string{"SCRAM-SHA-256", "SCRAM-SHA-1", "PLAIN"}

// Plain returns the PLAIN mechanism together with the permissions callback
// that verifies the transmitted credentials against store. The negotiator
// parses the authzid/authcid/password tuple; the callback performs the
// lookup and records the authenticated username in id.
func Plain(ctx context.Context, store storage.UserStore, id *Identity) (sasl.Mechanism, func(*sasl.Negotiator) bool) {
	permissions := func(n *sasl.Negotiator) bool {
		username, password, identity := n.Credentials()
		// Acting on behalf of another user is not supported.
		if len(identity) != 0 && string(identity) != string(username) {
			return false
		}
		ok, err := store.VerifyPlain(ctx, string(username), string(password))
		if err != nil || !ok {
			return false
		}
		id.Username = string(username)
		return true
	}
	return sasl.Plain, permissions
}

// Lookup returns the named mechanism and its permissions callback, or a
// Failure with condition invalid-mechanism if the name is not one the server
// offers.
func Lookup(ctx context.Context, name string, store storage.UserStore, id *Identity) (sasl.Mechanism, func(*sasl.Negotiator) bool, error) {
	switch name {
	case "PLAIN":
		m, perm := Plain(ctx, store, id)
		return m, perm, nil
	case "SCRAM-SHA-1":
		return ScramSHA1(ctx, store, id), acceptAll, nil
	case "SCRAM-SHA-256":
		return ScramSHA256(ctx, store, id), acceptAll, nil
	}
	return sasl.Mechanism{}, nil, saslerr.Failure{Condition: saslerr.InvalidMechanism}
}

// acceptAll is the permissions callback for mechanisms that verify proof of
// possession themselves.
func acceptAll(*sasl.Negotiator) bool {
	return true
}
