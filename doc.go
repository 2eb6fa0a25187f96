// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmppd implements the client-to-server profile of RFC 6120: the
// per-connection stream state machine that negotiates XML streams, STARTTLS,
// SASL authentication, and resource binding, and then exchanges stanzas with
// the in-process router.
//
// A Server accepts TCP connections and hands each one to a Session, which
// owns the socket, the XML tokenizer, and the negotiation state. Bound
// sessions register themselves with a router.Router, which is the single
// source of truth for which full JIDs are reachable.
package xmppd // import "mellium.im/xmppd"
