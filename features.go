// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
)

// A StreamFeature represents a feature that the server may advertise in a
// <stream:features/> list and negotiate with a connecting client. Features
// should be stateless and usable from multiple goroutines; per-connection
// state lives on the Session.
type StreamFeature struct {
	// The XML name of the feature as it appears in the features list.
	Name xml.Name

	// The XML name of the top level element a client sends to negotiate
	// the feature. For STARTTLS this equals Name; for SASL the list is
	// <mechanisms/> but negotiation starts with <auth/>.
	Handles xml.Name

	// Bits that must be set on the session before the feature is
	// advertised or negotiated. For instance, a feature that requires an
	// authenticated user sets Authn.
	Necessary SessionState

	// Bits that must be off. For instance, a feature that performs
	// authentication itself sets Authn so that it is no longer offered
	// once the session is authenticated.
	Prohibited SessionState

	// List writes the feature's entry in a features list and reports
	// whether negotiating the feature is required before stanzas are
	// accepted.
	List func(ctx context.Context, w io.Writer, s *Session) (req bool, err error)

	// Negotiate drives the feature after the client sent the start
	// element. The returned mask is OR'd onto the session state; a
	// non-nil rw replaces the session transport and triggers a stream
	// restart. Stream errors returned here terminate the stream;
	// recoverable failures (eg. a failed SASL attempt) are handled inside
	// and return a zero mask with no error.
	Negotiate func(ctx context.Context, s *Session, start xml.StartElement) (mask SessionState, rw io.ReadWriter, err error)
}

// offered reports whether the feature may be advertised or negotiated in the
// current session state.
func (f StreamFeature) offered(state SessionState) bool {
	return state&f.Necessary == f.Necessary && state&f.Prohibited == 0
}

// writeStreamFeatures emits the <stream:features/> block for the current
// negotiation stage. It returns the number of features written and how many
// of them are required; zero required features means the client may begin
// sending stanzas once it is bound.
func writeStreamFeatures(ctx context.Context, s *Session) (n, req int, err error) {
	if _, err = fmt.Fprint(s.conn, `<stream:features>`); err != nil {
		return n, req, err
	}
	state := s.State()
	for _, feature := range s.features {
		if !feature.offered(state) {
			continue
		}
		var r bool
		if r, err = feature.List(ctx, s.conn, s); err != nil {
			return n, req, err
		}
		if r {
			req++
		}
		n++
	}
	_, err = fmt.Fprint(s.conn, `</stream:features>`)
	return n, req, err
}

// lookupFeature finds the feature negotiated by the given top level element
// in the current session state.
func (s *Session) lookupFeature(name xml.Name) (StreamFeature, bool) {
	state := s.State()
	for _, feature := range s.features {
		if feature.Handles == name && feature.offered(state) {
			return feature, true
		}
	}
	return StreamFeature{}, false
}
