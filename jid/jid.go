// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements the XMPP address format, historically known as
// "Jabber IDs", as defined in RFC 7622.
package jid // import "mellium.im/xmppd/jid"

import (
	"encoding/xml"
	"errors"
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// Errors returned by the jid package.
var (
	ErrEmptyDomain     = errors.New("jid: the domainpart must be between 1 and 1023 bytes")
	ErrEmptyLocal      = errors.New("jid: the localpart must be larger than 0 bytes")
	ErrEmptyResource   = errors.New("jid: the resourcepart must be larger than 0 bytes")
	ErrInvalidUTF8     = errors.New("jid: JID contains invalid UTF-8")
	ErrLongLocal       = errors.New("jid: the localpart must be smaller than 1024 bytes")
	ErrLongResource    = errors.New("jid: the resourcepart must be smaller than 1024 bytes")
	ErrForbiddenLocal  = errors.New("jid: localpart contains forbidden characters")
	ErrInvalidDomain   = errors.New("jid: domainpart is not a valid domain name or IP literal")
	ErrMalformedDomain = errors.New("jid: domainpart contains a malformed label")
)

// JID represents an XMPP address comprising a localpart, domainpart, and
// resourcepart. All parts of a JID are guaranteed to be valid UTF-8 and are
// stored in their canonical form, which gives comparison with Equal the
// greatest chance of succeeding.
//
// The zero value for JID is not a valid address; construct JIDs with Parse,
// New, or MustParse.
type JID struct {
	localpart    string
	domainpart   string
	resourcepart string
}

// Parse constructs a new JID from its string representation, enforcing the
// preparation and enforcement profiles of RFC 7622 on each part.
func Parse(s string) (JID, error) {
	localpart, domainpart, resourcepart, err := splitString(s)
	if err != nil {
		return JID{}, err
	}
	return New(localpart, domainpart, resourcepart)
}

// MustParse is like Parse but panics if the address cannot be parsed. It
// simplifies safe initialization of JIDs from known-good constants.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(`jid: Parse(` + s + `): ` + err.Error())
	}
	return j
}

// New constructs a new JID from the given localpart, domainpart, and
// resourcepart after applying the appropriate PRECIS profile to each part.
func New(localpart, domainpart, resourcepart string) (JID, error) {
	// Ensure that parts are valid UTF-8 (and short circuit the rest of the
	// process if they're not). The domainpart is checked after performing the
	// IDNA ToUnicode operation.
	if !utf8.ValidString(localpart) || !utf8.ValidString(resourcepart) {
		return JID{}, ErrInvalidUTF8
	}

	// RFC 7622 §3.2.1: the domainpart must consist only of code points that
	// are allowed in NR-LDH labels or U-labels; A-labels are converted to
	// U-labels during preparation.
	domainpart, err := idna.ToUnicode(domainpart)
	if err != nil {
		return JID{}, ErrMalformedDomain
	}
	if !utf8.ValidString(domainpart) {
		return JID{}, ErrInvalidUTF8
	}
	domainpart = strings.ToLower(domainpart)

	if localpart != "" {
		localpart, err = precis.UsernameCaseMapped.String(localpart)
		if err != nil {
			return JID{}, err
		}
	}

	if resourcepart != "" {
		resourcepart, err = precis.OpaqueString.String(resourcepart)
		if err != nil {
			return JID{}, err
		}
	}

	if err := commonChecks(localpart, domainpart, resourcepart); err != nil {
		return JID{}, err
	}

	return JID{
		localpart:    localpart,
		domainpart:   domainpart,
		resourcepart: resourcepart,
	}, nil
}

// Localpart gets the localpart of a JID (eg. "username").
func (j JID) Localpart() string {
	return j.localpart
}

// Domainpart gets the domainpart of a JID (eg. "example.net").
func (j JID) Domainpart() string {
	return j.domainpart
}

// Resourcepart gets the resourcepart of a JID (eg. "someclient-abc123").
func (j JID) Resourcepart() string {
	return j.resourcepart
}

// Bare returns a copy of the JID without a resourcepart. This is sometimes
// called a "bare" JID.
func (j JID) Bare() JID {
	return JID{
		localpart:  j.localpart,
		domainpart: j.domainpart,
	}
}

// Domain returns a copy of the JID with only the domainpart set.
func (j JID) Domain() JID {
	return JID{domainpart: j.domainpart}
}

// WithResource returns a copy of the JID with the resourcepart replaced by
// resourcepart after enforcement.
func (j JID) WithResource(resourcepart string) (JID, error) {
	return New(j.localpart, j.domainpart, resourcepart)
}

// IsZero reports whether the JID is the zero value (no domainpart).
func (j JID) IsZero() bool {
	return j.domainpart == ""
}

// IsFull reports whether the JID has a resourcepart.
func (j JID) IsFull() bool {
	return j.resourcepart != ""
}

// IsDomain reports whether the JID is only a domainpart, with no localpart or
// resourcepart.
func (j JID) IsDomain() bool {
	return j.domainpart != "" && j.localpart == "" && j.resourcepart == ""
}

// Equal performs an octet-for-octet comparison with the given JID.
func (j JID) Equal(other JID) bool {
	return j.localpart == other.localpart &&
		j.domainpart == other.domainpart &&
		j.resourcepart == other.resourcepart
}

// String converts the JID back into its string representation.
func (j JID) String() string {
	s := j.domainpart
	if j.localpart != "" {
		s = j.localpart + "@" + s
	}
	if j.resourcepart != "" {
		s = s + "/" + j.resourcepart
	}
	return s
}

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface and marshals the
// JID as an XML attribute.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j.IsZero() {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface and
// unmarshals an XML attribute into a valid JID (or returns an error).
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		*j = JID{}
		return nil
	}
	jid, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = jid
	return nil
}

// splitString splits out the localpart, domainpart, and resourcepart from a
// string representation of a JID. The parts are not guaranteed to be valid;
// validation happens during New.
func splitString(s string) (localpart, domainpart, resourcepart string, err error) {
	// RFC 7622 §3.1: match the separator characters '@' and '/' before
	// applying any transformation algorithms, which might decompose certain
	// Unicode code points to the separator characters.
	//
	// The domainpart is the portion that remains once the parsing steps of
	// §3.2 are taken: first remove any portion from the first '/' character
	// to the end of the string.
	parts := strings.SplitAfterN(s, "/", 2)

	// If the resourcepart exists, make sure it isn't empty.
	if strings.HasSuffix(parts[0], "/") {
		if len(parts) == 2 && parts[1] != "" {
			resourcepart = parts[1]
		} else {
			err = ErrEmptyResource
			return
		}
	}

	norp := strings.TrimSuffix(parts[0], "/")

	// Then remove any portion from the beginning of the string to the first
	// '@' character.
	nolp := strings.SplitAfterN(norp, "@", 2)

	if nolp[0] == "@" {
		err = ErrEmptyLocal
		return
	}

	switch len(nolp) {
	case 1:
		domainpart = nolp[0]
	case 2:
		domainpart = nolp[1]
		localpart = strings.TrimSuffix(nolp[0], "@")
	}

	// Trailing dots on domainparts are ignored and must be stripped before
	// any other canonicalization step is taken.
	domainpart = strings.TrimSuffix(domainpart, ".")

	return
}

func checkIP6String(domainpart string) error {
	// If the domainpart is a valid IPv6 address (with brackets), short
	// circuit.
	if l := len(domainpart); l > 2 && strings.HasPrefix(domainpart, "[") &&
		strings.HasSuffix(domainpart, "]") {
		if ip := net.ParseIP(domainpart[1 : l-1]); ip == nil || ip.To4() != nil {
			return ErrInvalidDomain
		}
	}
	return nil
}

func checkDomainLabels(domainpart string) error {
	if strings.HasPrefix(domainpart, "[") {
		return nil
	}
	if strings.HasPrefix(domainpart, ".") || strings.Contains(domainpart, "..") {
		return ErrMalformedDomain
	}
	return nil
}

func commonChecks(localpart, domainpart, resourcepart string) error {
	if len(localpart) > 1023 {
		return ErrLongLocal
	}

	// RFC 7622 §3.3.1 provides a small table of characters which are still
	// not allowed in localparts even though the IdentifierClass base class
	// and the UsernameCaseMapped profile don't forbid them.
	if strings.ContainsAny(localpart, "\"&'/:<>@") {
		return ErrForbiddenLocal
	}

	if len(resourcepart) > 1023 {
		return ErrLongResource
	}

	if l := len(domainpart); l < 1 || l > 1023 {
		return ErrEmptyDomain
	}

	if err := checkDomainLabels(domainpart); err != nil {
		return err
	}

	return checkIP6String(domainpart)
}
