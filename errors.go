// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"errors"

	"mellium.im/xmppd/internal/attr"
)

// Errors returned by the xmppd package.
var (
	// ErrOutputStreamClosed is returned when attempting to write a token
	// to a stream whose output half has been closed.
	ErrOutputStreamClosed = errors.New("xmppd: attempted to write to closed stream")
)

// newStreamID returns a fresh server assigned stream identifier.
func newStreamID() string {
	return attr.RandomLen(attr.StreamIDLen)
}
