// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains XMPP stream framing: the stream header codec and
// the stream errors defined by RFC 6120 §4.9.
//
// Most people will want to use the facilities of the mellium.im/xmppd package
// and not send stream headers or construct stream errors directly.
package stream // import "mellium.im/xmppd/stream"

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
)

const xmlHeader = `<?xml version='1.0'?>`

// Info contains metadata extracted from a stream start element.
type Info struct {
	To      jid.JID
	From    jid.JID
	ID      string
	Version Version
	XMLNS   string
	Lang    string
}

// fromStartElement populates the stream info from the given start element.
// Errors returned by fromStartElement are always stream errors.
func (i *Info) fromStartElement(s xml.StartElement) error {
	for _, attr := range s.Attr {
		switch attr.Name {
		case xml.Name{Local: "to"}:
			if err := i.To.UnmarshalXMLAttr(attr); err != nil {
				return ImproperAddressing
			}
		case xml.Name{Local: "from"}:
			if err := i.From.UnmarshalXMLAttr(attr); err != nil {
				return ImproperAddressing
			}
		case xml.Name{Local: "id"}:
			i.ID = attr.Value
		case xml.Name{Local: "version"}:
			if err := (&i.Version).UnmarshalXMLAttr(attr); err != nil {
				return UnsupportedVersion
			}
		case xml.Name{Local: "xmlns"}:
			if attr.Value != ns.Client && attr.Value != ns.Server {
				return InvalidNamespace
			}
			i.XMLNS = attr.Value
		case xml.Name{Space: "xmlns", Local: "stream"}:
			if attr.Value != ns.Stream {
				return InvalidNamespace
			}
		case xml.Name{Space: ns.XML, Local: "lang"}:
			i.Lang = attr.Value
		}
	}
	return nil
}

// Send writes an XML declaration followed by a stream start element to w and
// records the sent values in info. An xml.Encoder is not used because Go's
// standard library xml package cannot emit the namespaced stream:stream
// attribute order required here; a print guarantees well-formedness and the
// exact attribute order from, id, to, version, xml:lang, xmlns, xmlns:stream.
func Send(w io.Writer, info *Info, from jid.JID, to jid.JID, lang, id string) error {
	info.From = from
	info.To = to
	info.ID = id
	info.Version = DefaultVersion
	info.XMLNS = ns.Client
	info.Lang = lang

	if _, err := fmt.Fprintf(w, xmlHeader+`<stream:stream from='%s'`, from.String()); err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, ` id='%s'`, id); err != nil {
			return err
		}
	}
	if !to.IsZero() {
		if _, err := fmt.Fprintf(w, ` to='%s'`, to.String()); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, ` version='%s' xml:lang='`, DefaultVersion); err != nil {
		return err
	}
	if err := xml.EscapeText(w, []byte(lang)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, `' xmlns='%s' xmlns:stream='%s'>`, ns.Client, ns.Stream)
	return err
}

// Expect reads tokens from d until a stream start element is found, then
// validates it and fills info. Tokens that are not part of a stream header
// (or a stream error sent instead of one) result in a stream error that the
// caller is expected to send before closing the connection.
func Expect(ctx context.Context, d xml.TokenReader, info *Info) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		t, err := d.Token()
		if err != nil {
			return err
		}
		switch tok := t.(type) {
		case xml.StartElement:
			switch {
			case tok.Name.Local == "error" && tok.Name.Space == ns.Stream:
				se := Error{}
				if err := xml.NewTokenDecoder(d).DecodeElement(&se, &tok); err != nil {
					return err
				}
				return se
			case tok.Name.Local != "stream":
				return BadFormat
			case tok.Name.Space != ns.Stream:
				return InvalidNamespace
			}

			if err := info.fromStartElement(tok); err != nil {
				return err
			}
			switch {
			case info.XMLNS != ns.Client:
				return InvalidNamespace
			case !info.Version.SupportedBy(DefaultVersion):
				return UnsupportedVersion
			}
			return nil
		case xml.ProcInst:
			// An XML declaration before the header is fine; anything else was
			// already rejected by the token source.
			continue
		case xml.CharData:
			// Whitespace between the declaration and the header is tolerated.
			if len(bytes.TrimSpace(tok)) != 0 {
				return RestrictedXML
			}
			continue
		default:
			return RestrictedXML
		}
	}
}
