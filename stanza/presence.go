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

// Presence is an XMPP stanza that is used as an indication that an entity is
// available for communication. It is used to set a status message, broadcast
// availability, and advertise entity capabilities. It can be directed
// (one-to-one), or used as a broadcast mechanism (one-to-many).
//
// The Show, Status, and Priority fields are filled when decoding so that the
// presence manager can inspect them; forwarding always uses the verbatim
// InnerXML payload.
type Presence struct {
	XMLName  xml.Name     `xml:"presence"`
	ID       string       `xml:"id,attr,omitempty"`
	To       jid.JID      `xml:"to,attr,omitempty"`
	From     jid.JID      `xml:"from,attr,omitempty"`
	Lang     string       `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type     PresenceType `xml:"type,attr,omitempty"`
	Show     PresenceShow `xml:"show,omitempty"`
	Status   string       `xml:"status,omitempty"`
	Priority int8         `xml:"priority,omitempty"`
	InnerXML []byte       `xml:",innerxml"`
}

// PresenceType is the type of a presence stanza.
// It should normally be one of the constants defined in this package.
// An empty type indicates that the sender is available for communication.
type PresenceType string

const (
	// ErrorPresence indicates that an error has occurred regarding processing
	// of a previously sent presence stanza.
	ErrorPresence PresenceType = "error"

	// ProbePresence is a request for an entity's current presence. It should
	// generally only be generated and sent by servers on behalf of a user.
	ProbePresence PresenceType = "probe"

	// SubscribePresence is sent when the sender wishes to subscribe to the
	// recipient's presence.
	SubscribePresence PresenceType = "subscribe"

	// SubscribedPresence indicates that the sender has allowed the recipient
	// to receive future presence broadcasts.
	SubscribedPresence PresenceType = "subscribed"

	// UnavailablePresence indicates that the sender is no longer available
	// for communication.
	UnavailablePresence PresenceType = "unavailable"

	// UnsubscribePresence indicates that the sender is unsubscribing from the
	// receiver's presence.
	UnsubscribePresence PresenceType = "unsubscribe"

	// UnsubscribedPresence indicates that the subscription request has been
	// denied, or a previously granted subscription has been revoked.
	UnsubscribedPresence PresenceType = "unsubscribed"
)

// PresenceShow is the value of the optional <show/> child of an availability
// presence.
type PresenceShow string

const (
	// ChatShow indicates that the entity is actively interested in chatting.
	ChatShow PresenceShow = "chat"

	// AwayShow indicates that the entity is temporarily away.
	AwayShow PresenceShow = "away"

	// XAShow indicates that the entity is away for an extended period
	// (eXtended Away).
	XAShow PresenceShow = "xa"

	// DNDShow indicates that the entity is busy (Do Not Disturb).
	DNDShow PresenceShow = "dnd"
)

// Available reports whether the presence announces availability, that is,
// whether it has no type or an explicit error-free availability type.
func (p Presence) Available() bool {
	return p.Type == ""
}

// WriteXML writes the presence to w with the retained payload spliced back in
// verbatim.
func (p Presence) WriteXML(w io.Writer) error {
	return writeStanza(w, "presence", string(p.Type), p.To, p.From, p.ID, p.Lang, p.InnerXML)
}

// WriteError writes an error bounce for the presence to w: type "error", the
// to and from addresses swapped, the id preserved, and the error element as
// the payload.
func (p Presence) WriteError(w io.Writer, se Error) error {
	var buf bytes.Buffer
	if err := se.WriteXML(&buf); err != nil {
		return err
	}
	return writeStanza(w, "presence", string(ErrorPresence), p.From, p.To, p.ID, "", buf.Bytes())
}
