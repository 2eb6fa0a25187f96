// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package mux implements an IQ multiplexer that dispatches IQ stanzas
// addressed to the server by the namespace of their payload element.
package mux // import "mellium.im/xmppd/mux"

import (
	"io"

	"mellium.im/xmppd/stanza"
)

// An IQHandler answers an IQ stanza. The reply is written to w; returning a
// stanza.Error causes the router to bounce the IQ with that error instead.
type IQHandler interface {
	HandleIQ(w io.Writer, iq stanza.IQ) error
}

// The IQHandlerFunc type is an adapter to allow the use of ordinary
// functions as IQ handlers.
type IQHandlerFunc func(w io.Writer, iq stanza.IQ) error

// HandleIQ calls f(w, iq).
func (f IQHandlerFunc) HandleIQ(w io.Writer, iq stanza.IQ) error {
	return f(w, iq)
}

// ServeMux is an IQ multiplexer. It satisfies the router's IQHandler
// interface and dispatches requests to the handler registered for the
// payload namespace.
type ServeMux struct {
	iq map[string]IQHandler
}

// Option configures a ServeMux.
type Option func(*ServeMux)

// IQ registers an IQ handler for the given payload namespace.
func IQ(namespace string, h IQHandler) Option {
	return func(m *ServeMux) {
		m.iq[namespace] = h
	}
}

// IQFunc registers an IQ handler function for the given payload namespace.
func IQFunc(namespace string, f IQHandlerFunc) Option {
	return IQ(namespace, f)
}

// New allocates a ServeMux with the given options applied.
func New(opts ...Option) *ServeMux {
	m := &ServeMux{iq: make(map[string]IQHandler)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Namespaces returns the registered payload namespaces; service discovery
// uses it to enumerate supported features.
func (m *ServeMux) Namespaces() []string {
	out := make([]string, 0, len(m.iq))
	for namespace := range m.iq {
		out = append(out, namespace)
	}
	return out
}

// ServeIQ implements the router's IQHandler interface.
//
// Requests without an id attribute are rejected with bad-request; requests
// with no payload or with a payload namespace that has no registered handler
// are rejected with feature-not-implemented.
func (m *ServeMux) ServeIQ(w io.Writer, iq stanza.IQ) error {
	if iq.ID == "" {
		return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
	}
	payload := iq.Payload.XMLName
	if payload.Local == "" {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented}
	}
	h, ok := m.iq[payload.Space]
	if !ok {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented}
	}
	return h.HandleIQ(w, iq)
}
