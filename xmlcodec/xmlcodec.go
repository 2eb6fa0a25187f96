// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmlcodec implements the XML tokenizer used on XMPP streams.
//
// The tokenizer wraps an encoding/xml decoder and adds the properties that
// RFC 6120 requires of stream parsing and that the standard decoder does not
// provide on its own: the outer <stream:stream/> element is treated as a
// permanently open root, restricted XML features (comments, processing
// instructions, DOCTYPE declarations, and therefore entity expansion) are
// rejected, each top level child is subject to a byte limit, and the decoder
// can be re-armed in place when the stream restarts after STARTTLS or SASL.
package xmlcodec // import "mellium.im/xmppd/xmlcodec"

import (
	"encoding/xml"
	"io"
	"sync"

	"mellium.im/xmppd/stream"
)

// DefaultLimit is the per-stanza byte limit used when none is configured.
const DefaultLimit = 65536

// A Decoder reads XML tokens from an XMPP stream.
//
// Decoder satisfies xml.TokenReader. All reads from the stream must go
// through the same Decoder (or an xml.Decoder created from it with
// xml.NewTokenDecoder) so that the limit and restriction checks observe every
// token.
type Decoder struct {
	mu    sync.Mutex
	d     *xml.Decoder
	limit int64

	// depth is the element depth relative to the stream root: 0 before the
	// root opens (and after it closes), 1 between stanzas, >=2 inside a
	// stanza.
	depth      int
	rootClosed bool
	sawDecl    bool

	// offset of the start of the stanza currently being tokenized.
	stanzaStart int64
}

// New returns a Decoder reading from r that rejects top level children
// larger than limit bytes. If limit is <= 0, DefaultLimit is used.
func New(r io.Reader, limit int64) *Decoder {
	if limit <= 0 {
		limit = DefaultLimit
	}
	d := &Decoder{limit: limit}
	d.reset(r)
	return d
}

func (d *Decoder) reset(r io.Reader) {
	dec := xml.NewDecoder(r)
	// XMPP streams are always UTF-8; no charset translation is performed.
	dec.CharsetReader = nil
	// Predefined entities only. Anything else is restricted XML and errors
	// out in the underlying decoder before it can expand.
	dec.Entity = nil
	dec.Strict = true
	d.d = dec
	d.depth = 0
	d.rootClosed = false
	d.sawDecl = false
	d.stanzaStart = 0
}

// Reset re-arms the decoder to read a new stream from r, discarding all state
// from the previous stream. It is called when the stream restarts after
// STARTTLS or SASL negotiation; r is the (possibly newly wrapped) transport.
func (d *Decoder) Reset(r io.Reader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset(r)
}

// Token returns the next XML token on the stream. Token guarantees:
//
//   - restricted XML (comments, directives, and processing instructions other
//     than a single leading XML declaration) yields stream.RestrictedXML
//   - a top level child that exceeds the configured limit yields
//     stream.PolicyViolation
//   - any token after the root element has been closed yields
//     stream.NotWellFormed
//
// Errors from the underlying transport are returned unmodified, and input
// that ends while an element is still open yields io.ErrUnexpectedEOF; other
// XML syntax errors are mapped to stream.NotWellFormed.
func (d *Decoder) Token() (xml.Token, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rootClosed {
		return nil, stream.NotWellFormed
	}

	// Between stanzas; if the next token opens a stanza this is where it
	// begins.
	if d.depth == 1 {
		d.stanzaStart = d.d.InputOffset()
	}

	tok, err := d.d.Token()
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, err
		}
		if se, ok := err.(*xml.SyntaxError); ok {
			// encoding/xml reports the end of input inside an open element
			// as a syntax error.
			if se.Msg == "unexpected EOF" {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, stream.NotWellFormed
		}
		return nil, err
	}

	switch t := tok.(type) {
	case xml.ProcInst:
		// A single XML declaration may precede the stream header.
		if d.depth == 0 && !d.sawDecl && t.Target == "xml" {
			d.sawDecl = true
			return tok, nil
		}
		return nil, stream.RestrictedXML
	case xml.Directive:
		// DOCTYPE declarations (and with them internal subsets and external
		// entities) are forbidden on XMPP streams.
		return nil, stream.RestrictedXML
	case xml.Comment:
		return nil, stream.RestrictedXML
	case xml.StartElement:
		d.depth++
	case xml.EndElement:
		d.depth--
		if d.depth == 0 {
			d.rootClosed = true
		}
	}

	if d.depth >= 2 && d.d.InputOffset()-d.stanzaStart > d.limit {
		return nil, stream.PolicyViolation
	}

	return tok, nil
}

// InputOffset returns the current byte offset of the underlying decoder.
func (d *Decoder) InputOffset() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.d.InputOffset()
}

// Skip reads tokens until it has consumed the end element matching the most
// recent start element read, using the same restriction and limit checks as
// Token.
func (d *Decoder) Skip() error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			if err := d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}
