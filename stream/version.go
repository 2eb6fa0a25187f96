// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultVersion is the version of XMPP streams emitted and negotiated by
// this module.
var DefaultVersion = Version{Major: 1, Minor: 0}

// Version is a version of the XMPP spec as advertised in the 'version'
// attribute of the stream header.
type Version struct {
	Major uint8
	Minor uint8
}

// ParseVersion parses a version string of the form "major.minor".
func ParseVersion(s string) (Version, error) {
	v := Version{}
	idx := strings.IndexByte(s, '.')
	if idx < 1 || idx == len(s)-1 {
		return v, errors.New("stream: invalid version string")
	}
	major, err := strconv.ParseUint(s[:idx], 10, 8)
	if err != nil {
		return v, err
	}
	minor, err := strconv.ParseUint(s[idx+1:], 10, 8)
	if err != nil {
		return v, err
	}
	v.Major = uint8(major)
	v.Minor = uint8(minor)
	return v, nil
}

// SupportedBy reports whether the version can be negotiated by an entity that
// supports at most v2: the major versions must match and the minor version
// must not be lower than the initiating entity's.
func (v Version) SupportedBy(v2 Version) bool {
	return v.Major == v2.Major && v.Minor >= v2.Minor
}

// String satisfies fmt.Stringer.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface.
func (v Version) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: v.String()}, nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface.
func (v *Version) UnmarshalXMLAttr(attr xml.Attr) error {
	parsed, err := ParseVersion(attr.Value)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
