// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/language"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
)

// ErrorType is the type of a stanza error as defined in RFC 6120 §8.3.2. It
// tells the originator how the error should be remedied, if at all.
type ErrorType int

const (
	// Cancel indicates that the error cannot be remedied and the operation
	// should not be retried.
	Cancel ErrorType = iota

	// Auth indicates that an operation should be retried after providing
	// credentials.
	Auth

	// Continue indicates that the operation can proceed (the condition was
	// only a warning).
	Continue

	// Modify indicates that the operation can be retried after changing the
	// data sent.
	Modify

	// Wait indicates that the error is temporary and the operation may be
	// retried.
	Wait
)

// String satisfies fmt.Stringer for ErrorType.
func (t ErrorType) String() string {
	switch t {
	case Auth:
		return "auth"
	case Continue:
		return "continue"
	case Modify:
		return "modify"
	case Wait:
		return "wait"
	}
	return "cancel"
}

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface for ErrorType.
func (t ErrorType) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: t.String()}, nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface for ErrorType.
func (t *ErrorType) UnmarshalXMLAttr(attr xml.Attr) error {
	switch strings.ToLower(attr.Value) {
	case "auth":
		*t = Auth
	case "continue":
		*t = Continue
	case "modify":
		*t = Modify
	case "wait":
		*t = Wait
	default: // case "cancel":
		*t = Cancel
	}
	return nil
}

// Condition represents a stanza error condition that can be encapsulated by
// an <error/> element.
type Condition string

// A list of stanza error conditions defined in RFC 6120 §8.3.3.
const (
	BadRequest            Condition = "bad-request"
	Conflict              Condition = "conflict"
	FeatureNotImplemented Condition = "feature-not-implemented"
	Forbidden             Condition = "forbidden"
	Gone                  Condition = "gone"
	InternalServerError   Condition = "internal-server-error"
	ItemNotFound          Condition = "item-not-found"
	JIDMalformed          Condition = "jid-malformed"
	NotAcceptable         Condition = "not-acceptable"
	NotAllowed            Condition = "not-allowed"
	NotAuthorized         Condition = "not-authorized"
	PolicyViolation       Condition = "policy-violation"
	RecipientUnavailable  Condition = "recipient-unavailable"
	Redirect              Condition = "redirect"
	RegistrationRequired  Condition = "registration-required"
	RemoteServerNotFound  Condition = "remote-server-not-found"
	RemoteServerTimeout   Condition = "remote-server-timeout"
	ResourceConstraint    Condition = "resource-constraint"
	ServiceUnavailable    Condition = "service-unavailable"
	SubscriptionRequired  Condition = "subscription-required"
	UndefinedCondition    Condition = "undefined-condition"
	UnexpectedRequest     Condition = "unexpected-request"
)

// Error is a stanza level error. It is intended to be returned from stanza
// handlers, serialized into an <error/> element, and attached to a bounced
// copy of the offending stanza.
type Error struct {
	By        jid.JID
	Type      ErrorType
	Condition Condition
	Lang      language.Tag
	Text      string
}

// Error satisfies the error interface and returns the text if set, or the
// condition otherwise.
func (se Error) Error() string {
	if se.Text != "" {
		return se.Text
	}
	return string(se.Condition)
}

// Is reports whether target is a stanza error with the same condition so that
// errors.Is matching ignores the type and text.
func (se Error) Is(target error) bool {
	e, ok := target.(Error)
	return ok && e.Condition == se.Condition
}

// WriteXML writes the <error/> element to w.
func (se Error) WriteXML(w io.Writer) error {
	if _, err := fmt.Fprintf(w, `<error type='%s'`, se.Type); err != nil {
		return err
	}
	if !se.By.IsZero() {
		if err := writeAttr(w, "by", se.By.String()); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, `><%s xmlns='%s'/>`, se.Condition, ns.Stanza); err != nil {
		return err
	}
	if se.Text != "" {
		lang := se.Lang
		if lang == language.Und {
			lang = language.English
		}
		if _, err := fmt.Fprintf(w, `<text xmlns='%s' xml:lang='%s'>`, ns.Stanza, lang); err != nil {
			return err
		}
		if err := xml.EscapeText(w, []byte(se.Text)); err != nil {
			return err
		}
		if _, err := fmt.Fprint(w, `</text>`); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, `</error>`)
	return err
}

// UnmarshalXML satisfies the xml.Unmarshaler interface for Error.
func (se *Error) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	decoded := struct {
		By        jid.JID `xml:"by,attr"`
		Type      string  `xml:"type,attr"`
		Condition struct {
			XMLName xml.Name
		} `xml:",any"`
		Text string `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text"`
	}{}
	if err := d.DecodeElement(&decoded, &start); err != nil {
		return err
	}
	se.By = decoded.By
	se.Text = decoded.Text
	se.Condition = Condition(decoded.Condition.XMLName.Local)
	return (&se.Type).UnmarshalXMLAttr(xml.Attr{Value: decoded.Type})
}
