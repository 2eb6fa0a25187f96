// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"crypto/tls"
	"net"
	"time"
)

// A Conn is the transport of one client connection. It starts out as the
// accepted TCP connection and is replaced in place when STARTTLS upgrades
// the byte pipe.
type Conn struct {
	rwc net.Conn
	tls *tls.Conn
}

func newConn(rwc net.Conn) *Conn {
	c := &Conn{rwc: rwc}
	if tc, ok := rwc.(*tls.Conn); ok {
		c.tls = tc
	}
	return c
}

// upgrade replaces the transport with the given TLS connection.
func (c *Conn) upgrade(tc *tls.Conn) {
	c.rwc = tc
	c.tls = tc
}

// Secure reports whether the transport is protected by TLS.
func (c *Conn) Secure() bool {
	return c.tls != nil
}

// ConnectionState returns the TLS state of the transport, if any.
func (c *Conn) ConnectionState() (tls.ConnectionState, bool) {
	if c.tls == nil {
		return tls.ConnectionState{}, false
	}
	return c.tls.ConnectionState(), true
}

// Read reads data from the connection.
func (c *Conn) Read(b []byte) (int, error) {
	return c.rwc.Read(b)
}

// Write writes data to the connection.
func (c *Conn) Write(b []byte) (int, error) {
	return c.rwc.Write(b)
}

// Close closes the connection. Any blocked Read or Write operations will be
// unblocked and return errors.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.rwc.RemoteAddr()
}

// SetReadDeadline sets the deadline for future Read calls.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.rwc.SetReadDeadline(t)
}

// SetWriteDeadline sets the deadline for future Write calls.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.rwc.SetWriteDeadline(t)
}
