// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package roster implements the roster stub defined for this server: gets
// return an empty roster and sets are not implemented. Subscription state is
// tracked by the router's subscription table, not by a persistent roster.
package roster // import "mellium.im/xmppd/roster"

import (
	"io"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stanza"
)

// NS is the namespace of the roster query payload.
const NS = ns.Roster

// Handler answers roster queries.
type Handler struct{}

// HandleIQ implements mux.IQHandler.
func (Handler) HandleIQ(w io.Writer, iq stanza.IQ) error {
	switch iq.Type {
	case stanza.GetIQ:
		return iq.ResultPayload(w, []byte(`<query xmlns='`+NS+`'/>`))
	case stanza.SetIQ:
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented}
	}
	return stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented}
}
