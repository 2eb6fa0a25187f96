// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"

	"mellium.im/sasl"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/internal/saslerr"
	"mellium.im/xmppd/internal/saslmech"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/storage"
	"mellium.im/xmppd/stream"
)

// maxAuthAttempts is the number of failed SASL attempts tolerated on one
// connection before the stream is closed with policy-violation.
const maxAuthAttempts = 5

// SASL returns the SASL stream feature offering the named mechanisms in
// order. Credentials are verified against store. When plainOverTLSOnly is
// set, PLAIN is neither advertised nor accepted on an unencrypted transport.
func SASL(store storage.UserStore, mechanisms []string, plainOverTLSOnly bool) StreamFeature {
	return StreamFeature{
		Name:       xml.Name{Space: ns.SASL, Local: "mechanisms"},
		Handles:    xml.Name{Space: ns.SASL, Local: "auth"},
		Prohibited: Authn,
		List: func(_ context.Context, w io.Writer, s *Session) (bool, error) {
			if _, err := fmt.Fprintf(w, `<mechanisms xmlns='%s'>`, ns.SASL); err != nil {
				return true, err
			}
			for _, name := range mechanisms {
				if name == "PLAIN" && plainOverTLSOnly && !s.conn.Secure() {
					continue
				}
				if _, err := fmt.Fprintf(w, `<mechanism>%s</mechanism>`, name); err != nil {
					return true, err
				}
			}
			_, err := fmt.Fprint(w, `</mechanisms>`)
			return true, err
		},
		Negotiate: func(ctx context.Context, s *Session, start xml.StartElement) (SessionState, io.ReadWriter, error) {
			auth := struct {
				XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl auth"`
				Mechanism string   `xml:"mechanism,attr"`
				Data      string   `xml:",chardata"`
			}{}
			if err := s.decodeElement(&auth, &start); err != nil {
				return 0, nil, stream.BadFormat
			}

			fail := func(f saslerr.Failure) (SessionState, io.ReadWriter, error) {
				if err := s.writeDirect(f); err != nil {
					return 0, nil, err
				}
				s.authAttempts++
				if s.authAttempts >= maxAuthAttempts {
					return 0, nil, stream.PolicyViolation
				}
				return 0, nil, nil
			}

			if !contains(mechanisms, auth.Mechanism) {
				return fail(saslerr.Failure{Condition: saslerr.InvalidMechanism})
			}
			if auth.Mechanism == "PLAIN" && plainOverTLSOnly && !s.conn.Secure() {
				return fail(saslerr.Failure{Condition: saslerr.EncryptionRequired})
			}

			id := &saslmech.Identity{}
			mech, perm, err := saslmech.Lookup(ctx, auth.Mechanism, store, id)
			if err != nil {
				return fail(saslerr.Failure{Condition: saslerr.InvalidMechanism})
			}
			var opts []sasl.Option
			if connState, ok := s.conn.ConnectionState(); ok {
				opts = append(opts, sasl.TLSState(connState))
			}
			server := sasl.NewServer(mech, perm, opts...)

			payload, err := decodeSASLPayload(auth.Data)
			if err != nil {
				return fail(saslerr.Failure{Condition: saslerr.IncorrectEncoding})
			}

			for {
				more, resp, err := server.Step(payload)
				if err != nil {
					return fail(failureFor(err))
				}
				if !more {
					if len(resp) > 0 {
						err = s.writef(`<success xmlns='%s'>%s</success>`, ns.SASL, base64.StdEncoding.EncodeToString(resp))
					} else {
						err = s.writef(`<success xmlns='%s'/>`, ns.SASL)
					}
					if err != nil {
						return 0, nil, err
					}
					authed, err := jid.New(id.Username, s.location.Domainpart(), "")
					if err != nil {
						return 0, nil, stream.InternalServerError
					}
					s.setOrigin(authed)
					s.logger.WithField("jid", authed.String()).Info("authenticated")
					return Authn, s.conn, nil
				}

				if err = s.writef(`<challenge xmlns='%s'>%s</challenge>`, ns.SASL, base64.StdEncoding.EncodeToString(resp)); err != nil {
					return 0, nil, err
				}
				payload, err = s.readSASLResponse(ctx)
				if err != nil {
					if f, ok := err.(saslerr.Failure); ok {
						return fail(f)
					}
					return 0, nil, err
				}
			}
		},
	}
}

// readSASLResponse reads the client's next SASL element: a <response/> with
// a base64 payload, or an <abort/>.
func (s *Session) readSASLResponse(ctx context.Context) ([]byte, error) {
	tok, err := s.nextStart(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case tok.Name.Space != ns.SASL:
		return nil, stream.BadFormat
	case tok.Name.Local == "abort":
		if err := s.skip(&tok); err != nil {
			return nil, err
		}
		return nil, saslerr.Failure{Condition: saslerr.Aborted}
	case tok.Name.Local != "response":
		return nil, stream.BadFormat
	}
	response := struct {
		Data string `xml:",chardata"`
	}{}
	if err := s.decodeElement(&response, &tok); err != nil {
		return nil, stream.BadFormat
	}
	payload, err := decodeSASLPayload(response.Data)
	if err != nil {
		return nil, saslerr.Failure{Condition: saslerr.IncorrectEncoding}
	}
	return payload, nil
}

// decodeSASLPayload decodes the base64 text of an auth or response element.
// RFC 6120 §6.4.2: a single "=" means the payload is present but empty.
func decodeSASLPayload(data string) ([]byte, error) {
	if data == "" || data == "=" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(data)
}

// failureFor maps an error from the SASL negotiator to the failure element
// sent to the client. Unknown errors uniformly become not-authorized so that
// nothing about the account can be inferred from the failure mode.
func failureFor(err error) saslerr.Failure {
	if f, ok := err.(saslerr.Failure); ok {
		return f
	}
	return saslerr.Failure{Condition: saslerr.NotAuthorized}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
