// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ping implements XEP-0199: XMPP Ping for the server side.
package ping // import "mellium.im/xmppd/ping"

import (
	"io"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stanza"
)

// NS is the namespace of the ping payload.
const NS = ns.Ping

// Handler answers pings addressed to the server with an empty result.
type Handler struct{}

// HandleIQ implements mux.IQHandler.
func (Handler) HandleIQ(w io.Writer, iq stanza.IQ) error {
	if iq.Type != stanza.GetIQ {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented}
	}
	return iq.Result(w)
}
