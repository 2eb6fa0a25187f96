// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"bytes"
	"encoding/xml"
	"io"

	"mellium.im/xmppd/jid"
)

// IQ ("Information Query") is used as a general request-response mechanism.
// IQ's are one-to-one, provide get and set semantics, and always require a
// response in the form of a result or an error.
//
// Payload records the name of the first child element so that IQs can be
// dispatched by namespace; the complete payload is retained verbatim in
// InnerXML.
type IQ struct {
	XMLName xml.Name `xml:"iq"`
	ID      string   `xml:"id,attr,omitempty"`
	To      jid.JID  `xml:"to,attr,omitempty"`
	From    jid.JID  `xml:"from,attr,omitempty"`
	Lang    string   `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type    IQType   `xml:"type,attr"`
	Payload struct {
		XMLName xml.Name
	} `xml:",any"`
	InnerXML []byte `xml:",innerxml"`
}

// IQType is the type of an IQ stanza.
// It should normally be one of the constants defined in this package.
type IQType string

const (
	// GetIQ is used to query another entity for information.
	GetIQ IQType = "get"

	// SetIQ is used to provide data to another entity, set new values, and
	// replace existing values.
	SetIQ IQType = "set"

	// ResultIQ is sent in response to a successful get or set IQ.
	ResultIQ IQType = "result"

	// ErrorIQ is sent to report that an error occurred during the delivery or
	// processing of a get or set IQ.
	ErrorIQ IQType = "error"
)

// Request reports whether the IQ is a request (get or set) as opposed to a
// response (result or error).
func (iq IQ) Request() bool {
	return iq.Type == GetIQ || iq.Type == SetIQ
}

// WriteXML writes the IQ to w with the retained payload spliced back in
// verbatim.
func (iq IQ) WriteXML(w io.Writer) error {
	return writeStanza(w, "iq", string(iq.Type), iq.To, iq.From, iq.ID, iq.Lang, iq.InnerXML)
}

// Result writes an empty result for the IQ to w, with the to and from
// addresses swapped and the id preserved.
func (iq IQ) Result(w io.Writer) error {
	return writeStanza(w, "iq", string(ResultIQ), iq.From, iq.To, iq.ID, "", nil)
}

// ResultPayload writes a result for the IQ to w containing the given raw
// payload, with the to and from addresses swapped and the id preserved.
func (iq IQ) ResultPayload(w io.Writer, payload []byte) error {
	return writeStanza(w, "iq", string(ResultIQ), iq.From, iq.To, iq.ID, "", payload)
}

// WriteError writes an error bounce for the IQ to w: type "error", the to
// and from addresses swapped, the id preserved, and the error element as the
// payload.
func (iq IQ) WriteError(w io.Writer, se Error) error {
	var buf bytes.Buffer
	if err := se.WriteXML(&buf); err != nil {
		return err
	}
	return writeStanza(w, "iq", string(ErrorIQ), iq.From, iq.To, iq.ID, "", buf.Bytes())
}
