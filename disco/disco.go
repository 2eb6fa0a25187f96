// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package disco implements XEP-0030: Service Discovery for the server side.
package disco // import "mellium.im/xmppd/disco"

import (
	"bytes"
	"io"
	"sort"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stanza"
)

// Namespaces of the disco payloads.
const (
	NSInfo  = ns.DiscoInfo
	NSItems = ns.DiscoItems
)

// InfoHandler answers disco#info queries addressed to the server with the
// server identity and the set of supported features.
type InfoHandler struct {
	// Category and Type form the server identity. They default to
	// "server" and "im".
	Category string
	Type     string

	// Features is the list of advertised feature vars.
	Features []string
}

// HandleIQ implements mux.IQHandler.
func (h InfoHandler) HandleIQ(w io.Writer, iq stanza.IQ) error {
	if iq.Type != stanza.GetIQ {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented}
	}
	category := h.Category
	if category == "" {
		category = "server"
	}
	typ := h.Type
	if typ == "" {
		typ = "im"
	}

	features := append([]string{}, h.Features...)
	sort.Strings(features)

	var buf bytes.Buffer
	buf.WriteString(`<query xmlns='` + NSInfo + `'>`)
	buf.WriteString(`<identity category='` + category + `' type='` + typ + `'/>`)
	for _, feature := range features {
		buf.WriteString(`<feature var='` + feature + `'/>`)
	}
	buf.WriteString(`</query>`)
	return iq.ResultPayload(w, buf.Bytes())
}

// ItemsHandler answers disco#items queries addressed to the server. The
// server hosts no items, so the result is always empty.
type ItemsHandler struct{}

// HandleIQ implements mux.IQHandler.
func (ItemsHandler) HandleIQ(w io.Writer, iq stanza.IQ) error {
	if iq.Type != stanza.GetIQ {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented}
	}
	return iq.ResultPayload(w, []byte(`<query xmlns='`+NSItems+`'/>`))
}
