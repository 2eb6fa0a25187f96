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

// Message is an XMPP stanza that contains a payload for direct one-to-one
// communication with another network entity. It is often used for sending
// chat messages to an individual or group chat server, or for notifications
// and alerts that don't require a response.
type Message struct {
	XMLName  xml.Name    `xml:"message"`
	ID       string      `xml:"id,attr,omitempty"`
	To       jid.JID     `xml:"to,attr,omitempty"`
	From     jid.JID     `xml:"from,attr,omitempty"`
	Lang     string      `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type     MessageType `xml:"type,attr,omitempty"`
	InnerXML []byte      `xml:",innerxml"`
}

// MessageType is the type of a message stanza.
// It should normally be one of the constants defined in this package.
type MessageType string

const (
	// NormalMessage is a standalone message that is sent outside the context
	// of a one-to-one conversation or groupchat, and to which it is expected
	// that the recipient will reply.
	NormalMessage MessageType = "normal"

	// ChatMessage represents a message sent in the context of a one-to-one
	// chat session.
	ChatMessage MessageType = "chat"

	// GroupChatMessage represents a message sent in the context of a
	// multi-user chat environment.
	GroupChatMessage MessageType = "groupchat"

	// HeadlineMessage represents a message that provides an alert, a
	// notification, or other transient information to which no reply is
	// expected.
	HeadlineMessage MessageType = "headline"

	// ErrorMessage is generated by an entity that experiences an error when
	// processing a message received from another entity.
	ErrorMessage MessageType = "error"
)

// WriteXML writes the message to w with the retained payload spliced back in
// verbatim.
func (m Message) WriteXML(w io.Writer) error {
	return writeStanza(w, "message", string(m.Type), m.To, m.From, m.ID, m.Lang, m.InnerXML)
}

// WriteError writes an error bounce for the message to w: type "error", the
// to and from addresses swapped, the id preserved, and the error element as
// the payload.
func (m Message) WriteError(w io.Writer, se Error) error {
	var buf bytes.Buffer
	if err := se.WriteXML(&buf); err != nil {
		return err
	}
	return writeStanza(w, "message", string(ErrorMessage), m.From, m.To, m.ID, "", buf.Bytes())
}
