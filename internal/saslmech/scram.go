// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package saslmech

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"hash"
	"strconv"
	"strings"

	"mellium.im/sasl"

	"mellium.im/xmppd/internal/saslerr"
	"mellium.im/xmppd/storage"
)

// minIterations is the lowest iteration count the server will offer,
// per RFC 7677.
const minIterations = 4096

// ScramSHA1 returns the server half of SCRAM-SHA-1 (RFC 5802).
func ScramSHA1(ctx context.Context, store storage.UserStore, id *Identity) sasl.Mechanism {
	return scram(ctx, "SCRAM-SHA-1", sha1.New, store, id)
}

// ScramSHA256 returns the server half of SCRAM-SHA-256 (RFC 7677).
func ScramSHA256(ctx context.Context, store storage.UserStore, id *Identity) sasl.Mechanism {
	return scram(ctx, "SCRAM-SHA-256", sha256.New, store, id)
}

// scramState carries the exchange state between the two server steps.
type scramState struct {
	// set while waiting for a client first message that was not included
	// in the initial response.
	awaitingFirst bool

	gs2Header       []byte
	clientFirstBare []byte
	serverFirst     []byte
	username        string
	creds           storage.ScramCreds
	known           bool
	nonce           string
}

func scram(ctx context.Context, name string, h func() hash.Hash, store storage.UserStore, id *Identity) sasl.Mechanism {
	return sasl.Mechanism{
		Name: name,
		Start: func(m *sasl.Negotiator) (bool, []byte, interface{}, error) {
			// Servers do not send an initial challenge.
			return true, nil, nil, nil
		},
		Next: func(m *sasl.Negotiator, challenge []byte, data interface{}) (bool, []byte, interface{}, error) {
			if m.State()&sasl.Receiving != sasl.Receiving {
				return false, nil, nil, sasl.ErrTooManySteps
			}
			state, ok := data.(*scramState)
			switch {
			case !ok, state.awaitingFirst:
				// RFC 6120 §6.4.3: a client that has no initial response
				// announces it with "=" which the stream layer decodes to
				// an empty payload; reply with an empty challenge and wait.
				if len(challenge) == 0 {
					if ok && state.awaitingFirst {
						return false, nil, nil, saslerr.Failure{Condition: saslerr.MalformedRequest}
					}
					return true, nil, &scramState{awaitingFirst: true}, nil
				}
				return scramServerFirst(ctx, m, challenge, h, store)
			default:
				return scramServerFinal(state, challenge, h, id)
			}
		},
	}
}

func scramServerFirst(ctx context.Context, m *sasl.Negotiator, clientFirst []byte, h func() hash.Hash, store storage.UserStore) (bool, []byte, interface{}, error) {
	state := &scramState{}

	rest := clientFirst
	// gs2-cbind-flag
	switch {
	case bytes.HasPrefix(rest, []byte("n,")):
		rest = rest[2:]
	case bytes.HasPrefix(rest, []byte("y,")):
		// The server offers no -PLUS variants; a client that saw this
		// server's mechanism list and still sent "y" is either confused or
		// being downgraded.
		if m.TLSState() != nil {
			return false, nil, nil, saslerr.Failure{Condition: saslerr.NotAuthorized}
		}
		rest = rest[2:]
	case bytes.HasPrefix(rest, []byte("p=")):
		// Channel binding requested but never advertised.
		return false, nil, nil, saslerr.Failure{Condition: saslerr.MalformedRequest}
	default:
		return false, nil, nil, saslerr.Failure{Condition: saslerr.IncorrectEncoding}
	}
	state.gs2Header = append([]byte{}, clientFirst[:len(clientFirst)-len(rest)]...)

	// authzid
	idx := bytes.IndexByte(rest, ',')
	if idx < 0 {
		return false, nil, nil, saslerr.Failure{Condition: saslerr.IncorrectEncoding}
	}
	authzid := rest[:idx]
	if len(authzid) > 0 && !bytes.HasPrefix(authzid, []byte("a=")) {
		return false, nil, nil, saslerr.Failure{Condition: saslerr.IncorrectEncoding}
	}
	state.gs2Header = append(state.gs2Header, rest[:idx+1]...)
	rest = rest[idx+1:]

	state.clientFirstBare = rest

	// client-first-message-bare: [m=ext,]n=user,r=cnonce[,extensions]
	if bytes.HasPrefix(rest, []byte("m=")) {
		// Mandatory extensions are not supported.
		return false, nil, nil, saslerr.Failure{Condition: saslerr.MalformedRequest}
	}
	fields := strings.Split(string(rest), ",")
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "n=") || !strings.HasPrefix(fields[1], "r=") {
		return false, nil, nil, saslerr.Failure{Condition: saslerr.IncorrectEncoding}
	}
	username, err := unescapeSaslname(fields[0][2:])
	if err != nil {
		return false, nil, nil, saslerr.Failure{Condition: saslerr.IncorrectEncoding}
	}
	if len(authzid) > 2 {
		az, err := unescapeSaslname(string(authzid[2:]))
		if err != nil || az != username {
			return false, nil, nil, saslerr.Failure{Condition: saslerr.InvalidAuthzID}
		}
	}
	cnonce := fields[1][2:]
	if username == "" || cnonce == "" {
		return false, nil, nil, saslerr.Failure{Condition: saslerr.IncorrectEncoding}
	}
	state.username = username

	creds, err := store.ScramCredentials(ctx, username, h)
	switch err {
	case nil:
		state.known = true
	case storage.ErrNotFound:
		// Continue the exchange with throwaway credentials so that an
		// attacker cannot distinguish an unknown user from a wrong
		// password by the shape or timing of the server first message.
		salt := make([]byte, 16)
		key := make([]byte, h().Size())
		if _, err := rand.Read(salt); err != nil {
			return false, nil, nil, saslerr.Failure{Condition: saslerr.TemporaryAuthFailure}
		}
		if _, err := rand.Read(key); err != nil {
			return false, nil, nil, saslerr.Failure{Condition: saslerr.TemporaryAuthFailure}
		}
		creds = storage.ScramCreds{Salt: salt, Iterations: storage.DefaultIterations, StoredKey: key, ServerKey: key}
	default:
		return false, nil, nil, saslerr.Failure{Condition: saslerr.TemporaryAuthFailure}
	}
	if creds.Iterations < minIterations {
		return false, nil, nil, saslerr.Failure{Condition: saslerr.TemporaryAuthFailure}
	}
	state.creds = creds

	state.nonce = cnonce + base64.StdEncoding.EncodeToString(m.Nonce())
	state.serverFirst = []byte("r=" + state.nonce +
		",s=" + base64.StdEncoding.EncodeToString(creds.Salt) +
		",i=" + strconv.Itoa(creds.Iterations))

	return true, state.serverFirst, state, nil
}

func scramServerFinal(state *scramState, clientFinal []byte, h func() hash.Hash, id *Identity) (bool, []byte, interface{}, error) {
	// client-final-message: c=gs2header,r=nonce[,extensions],p=proof
	fields := strings.Split(string(clientFinal), ",")
	if len(fields) < 3 || !strings.HasPrefix(fields[0], "c=") || !strings.HasPrefix(fields[1], "r=") {
		return false, nil, nil, saslerr.Failure{Condition: saslerr.IncorrectEncoding}
	}
	proofField := fields[len(fields)-1]
	if !strings.HasPrefix(proofField, "p=") {
		return false, nil, nil, saslerr.Failure{Condition: saslerr.IncorrectEncoding}
	}

	cbind, err := base64.StdEncoding.DecodeString(fields[0][2:])
	if err != nil || !bytes.Equal(cbind, state.gs2Header) {
		return false, nil, nil, saslerr.Failure{Condition: saslerr.MalformedRequest}
	}
	if fields[1][2:] != state.nonce {
		return false, nil, nil, saslerr.Failure{Condition: saslerr.NotAuthorized}
	}
	proof, err := base64.StdEncoding.DecodeString(proofField[2:])
	if err != nil || len(proof) != h().Size() {
		return false, nil, nil, saslerr.Failure{Condition: saslerr.IncorrectEncoding}
	}

	withoutProof := clientFinal[:len(clientFinal)-len(proofField)-1]
	authMessage := append(append(append(append([]byte{}, state.clientFirstBare...), ','), state.serverFirst...), ',')
	authMessage = append(authMessage, withoutProof...)

	// ClientSignature = HMAC(StoredKey, AuthMessage)
	mac := hmac.New(h, state.creds.StoredKey)
	mac.Write(authMessage)
	clientSignature := mac.Sum(nil)

	// ClientKey = ClientProof XOR ClientSignature
	clientKey := make([]byte, len(proof))
	for i := range proof {
		clientKey[i] = proof[i] ^ clientSignature[i]
	}

	// H(ClientKey) must equal StoredKey.
	sum := h()
	sum.Write(clientKey)
	ok := subtle.ConstantTimeCompare(sum.Sum(nil), state.creds.StoredKey) == 1
	if !ok || !state.known {
		return false, nil, nil, saslerr.Failure{Condition: saslerr.NotAuthorized}
	}

	// ServerSignature = HMAC(ServerKey, AuthMessage)
	mac = hmac.New(h, state.creds.ServerKey)
	mac.Write(authMessage)
	serverSignature := mac.Sum(nil)

	id.Username = state.username
	resp := []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature))
	return false, resp, nil, nil
}

// unescapeSaslname reverses the =2C and =3D escaping applied to saslname
// values (RFC 5802 §7). Any other use of '=' is an error.
func unescapeSaslname(s string) (string, error) {
	if !strings.ContainsRune(s, '=') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '=' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 > len(s)-1 {
			return "", saslerr.Failure{Condition: saslerr.IncorrectEncoding}
		}
		switch s[i+1 : i+3] {
		case "2C":
			b.WriteByte(',')
		case "3D":
			b.WriteByte('=')
		default:
			return "", saslerr.Failure{Condition: saslerr.IncorrectEncoding}
		}
		i += 2
	}
	return b.String(), nil
}
