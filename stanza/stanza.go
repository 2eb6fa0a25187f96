// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza contains the three XMPP stanza types, message, presence and
// iq, and the stanza level errors defined by RFC 6120 §8.3.
//
// Stanzas decoded from the wire keep their child elements verbatim in an
// InnerXML field so that the router can forward them without re-encoding the
// payload. For the same reason stanzas are serialized with WriteXML, which
// splices the retained payload back in, rather than with encoding/xml.
package stanza // import "mellium.im/xmppd/stanza"

import (
	"encoding/xml"
	"fmt"
	"io"

	"mellium.im/xmppd/jid"
)

// writeOpenTag writes the start tag for a stanza with the fixed attribute
// order type, to, from, id, xml:lang. Empty attributes are omitted.
func writeOpenTag(w io.Writer, name, typ string, to, from jid.JID, id, lang string) error {
	if _, err := fmt.Fprintf(w, `<%s`, name); err != nil {
		return err
	}
	if typ != "" {
		if err := writeAttr(w, "type", typ); err != nil {
			return err
		}
	}
	if !to.IsZero() {
		if err := writeAttr(w, "to", to.String()); err != nil {
			return err
		}
	}
	if !from.IsZero() {
		if err := writeAttr(w, "from", from.String()); err != nil {
			return err
		}
	}
	if id != "" {
		if err := writeAttr(w, "id", id); err != nil {
			return err
		}
	}
	if lang != "" {
		if err := writeAttr(w, "xml:lang", lang); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, `>`)
	return err
}

func writeAttr(w io.Writer, name, value string) error {
	if _, err := fmt.Fprintf(w, ` %s='`, name); err != nil {
		return err
	}
	if err := xml.EscapeText(w, []byte(value)); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, `'`)
	return err
}

func writeStanza(w io.Writer, name, typ string, to, from jid.JID, id, lang string, inner []byte) error {
	if err := writeOpenTag(w, name, typ, to, from, id, lang); err != nil {
		return err
	}
	if len(inner) > 0 {
		if _, err := w.Write(inner); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, `</%s>`, name)
	return err
}
