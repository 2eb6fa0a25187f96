// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/stream"
)

// BindResource returns the resource binding stream feature. Negotiating it
// allocates a resource through the router, inserts the full JID into the
// session index, and completes stream negotiation.
func BindResource() StreamFeature {
	return StreamFeature{
		Name:      xml.Name{Space: ns.Bind, Local: "bind"},
		Handles:   xml.Name{Space: ns.Client, Local: "iq"},
		Necessary: Authn,
		Prohibited: Ready,
		List: func(_ context.Context, w io.Writer, _ *Session) (bool, error) {
			_, err := fmt.Fprintf(w, `<bind xmlns='%s'/>`, ns.Bind)
			return true, err
		},
		Negotiate: func(_ context.Context, s *Session, start xml.StartElement) (SessionState, io.ReadWriter, error) {
			var iq stanza.IQ
			if err := s.decodeElement(&iq, &start); err != nil {
				return 0, nil, stream.BadFormat
			}

			// The request is left unaddressed so that the success result
			// carries no to or from attribute; only error bounces are
			// addressed back to the sender.
			bounce := func(se stanza.Error) error {
				addressed := iq
				addressed.From = s.JID()
				return s.bounceIQ(addressed, se)
			}

			if iq.Payload.XMLName.Space != ns.Bind || iq.Type != stanza.SetIQ {
				// The only stanza accepted between authentication and
				// binding is the bind request itself.
				if err := bounce(stanza.Error{Type: stanza.Auth, Condition: stanza.NotAuthorized}); err != nil {
					return 0, nil, err
				}
				return 0, nil, nil
			}
			if iq.ID == "" {
				if err := bounce(stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}); err != nil {
					return 0, nil, err
				}
				return 0, nil, nil
			}

			requested := struct {
				Bind struct {
					Resource string `xml:"resource"`
				} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
			}{}
			wrapped := append(append([]byte(`<iq>`), iq.InnerXML...), []byte(`</iq>`)...)
			if err := xml.Unmarshal(wrapped, &requested); err != nil {
				if err := bounce(stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}); err != nil {
					return 0, nil, err
				}
				return 0, nil, nil
			}

			full, err := s.srv.router.Bind(s, s.JID().Bare(), requested.Bind.Resource)
			if err != nil {
				if err := bounce(stanza.Error{Type: stanza.Cancel, Condition: stanza.InternalServerError}); err != nil {
					return 0, nil, err
				}
				return 0, nil, nil
			}
			s.setOrigin(full)

			var buf bytes.Buffer
			buf.WriteString(`<bind xmlns='` + ns.Bind + `'><jid>`)
			if err := xml.EscapeText(&buf, []byte(full.String())); err != nil {
				return 0, nil, err
			}
			buf.WriteString(`</jid></bind>`)

			// RFC 6120 §7.6: the result goes back on the same stream with
			// no to or from attribute, even if the client addressed its
			// request.
			iq.To = jid.JID{}
			iq.From = jid.JID{}

			var reply bytes.Buffer
			if err := iq.ResultPayload(&reply, buf.Bytes()); err != nil {
				return 0, nil, err
			}
			if err := s.write(reply.Bytes()); err != nil {
				return 0, nil, err
			}
			return Ready, nil, nil
		},
	}
}

// SessionFeature returns the deprecated session establishment feature from
// RFC 3921. It is advertised as optional after binding; the establishment IQ
// itself is answered by the IQ mux once the session is ready.
func SessionFeature() StreamFeature {
	return StreamFeature{
		Name:      xml.Name{Space: ns.Session, Local: "session"},
		Necessary: Authn,
		Prohibited: Ready,
		List: func(_ context.Context, w io.Writer, _ *Session) (bool, error) {
			_, err := fmt.Fprintf(w, `<session xmlns='%s'><optional/></session>`, ns.Session)
			return false, err
		},
	}
}
