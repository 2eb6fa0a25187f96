// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
)

// subscribe performs the subscribe/subscribed handshake so that subscriber
// receives owner's broadcast presence.
func subscribe(t *testing.T, r *router.Router, subscriber, owner *fakeClient) {
	t.Helper()
	r.RoutePresence(subscriber, stanza.Presence{
		From: subscriber.jid,
		To:   owner.jid.Bare(),
		Type: stanza.SubscribePresence,
	})
	r.RoutePresence(owner, stanza.Presence{
		From: owner.jid,
		To:   subscriber.jid.Bare(),
		Type: stanza.SubscribedPresence,
	})
	require.True(t, r.Subscribed(owner.jid, subscriber.jid))
}

func TestSubscribeForwardedAndStashed(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)
	bob := bind(t, r, "bob", "phone", 0)

	r.RoutePresence(alice, stanza.Presence{
		From: alice.jid,
		To:   bob.jid.Bare(),
		Type: stanza.SubscribePresence,
	})
	require.Contains(t, bob.last(t), "type='subscribe'")
	require.Contains(t, bob.last(t), "from='alice@localhost'")
	require.False(t, r.Subscribed(bob.jid, alice.jid), "subscribe alone must not authorize")
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)
	bob := bind(t, r, "bob", "phone", 0)
	subscribe(t, r, alice, bob) // alice receives bob's presence

	r.RoutePresence(bob, stanza.Presence{
		From:     bob.jid,
		InnerXML: []byte("<show>dnd</show>"),
		Show:     stanza.DNDShow,
	})
	require.Contains(t, alice.last(t), "<show>dnd</show>")
	require.Contains(t, alice.last(t), "from='bob@localhost/phone'")
}

func TestBroadcastSkipsUnauthorized(t *testing.T) {
	r := newRouter()
	bind(t, r, "alice", "home", 0)
	bob := bind(t, r, "bob", "phone", 0)
	eve := bind(t, r, "eve", "lurker", 0)
	before := len(eve.received())

	r.RoutePresence(bob, stanza.Presence{From: bob.jid})
	require.Len(t, eve.received(), before, "unauthorized contact must not receive broadcasts")
}

func TestDirectedPresenceAndUnavailableOnClose(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)
	bob := bind(t, r, "bob", "phone", 0)

	// Bob sends directed presence to alice without any subscription.
	r.RoutePresence(bob, stanza.Presence{From: bob.jid, To: alice.jid})
	require.Contains(t, alice.last(t), "from='bob@localhost/phone'")

	// When bob's session closes, alice gets an unavailable with the last
	// known full JID.
	r.Unbind(bob)
	require.Contains(t, alice.last(t), "type='unavailable'")
	require.Contains(t, alice.last(t), "from='bob@localhost/phone'")
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)
	bob := bind(t, r, "bob", "phone", 0)
	subscribe(t, r, alice, bob)

	r.RoutePresence(alice, stanza.Presence{
		From: alice.jid,
		To:   bob.jid.Bare(),
		Type: stanza.UnsubscribePresence,
	})
	require.False(t, r.Subscribed(bob.jid, alice.jid), "unsubscribe must restore the table")
	require.Contains(t, bob.last(t), "type='unsubscribe'")
}

func TestUnsubscribedRevokes(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)
	bob := bind(t, r, "bob", "phone", 0)
	subscribe(t, r, alice, bob)

	r.RoutePresence(bob, stanza.Presence{
		From: bob.jid,
		To:   alice.jid.Bare(),
		Type: stanza.UnsubscribedPresence,
	})
	require.False(t, r.Subscribed(bob.jid, alice.jid))
	require.Contains(t, alice.last(t), "type='unsubscribed'")
}

func TestProbeAnswered(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)
	bob := bind(t, r, "bob", "phone", 0)
	subscribe(t, r, alice, bob)

	r.RoutePresence(bob, stanza.Presence{From: bob.jid, InnerXML: []byte("<show>away</show>")})

	r.RoutePresence(alice, stanza.Presence{
		From: alice.jid,
		To:   bob.jid.Bare(),
		Type: stanza.ProbePresence,
	})
	require.Contains(t, alice.last(t), "<show>away</show>")
}

func TestProbeUnavailableWhenNoPresence(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)
	bob := bind(t, r, "bob", "phone", 0)
	subscribe(t, r, alice, bob)

	// Bob goes unavailable; the record is cleared.
	r.RoutePresence(bob, stanza.Presence{From: bob.jid, Type: stanza.UnavailablePresence})

	r.RoutePresence(alice, stanza.Presence{
		From: alice.jid,
		To:   bob.jid.Bare(),
		Type: stanza.ProbePresence,
	})
	require.Contains(t, alice.last(t), "type='unavailable'")
	require.Contains(t, alice.last(t), "from='bob@localhost'")
}

func TestProbeUnauthorizedDropped(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)
	bob := bind(t, r, "bob", "phone", 0)
	_ = bob

	before := len(alice.received())
	r.RoutePresence(alice, stanza.Presence{
		From: alice.jid,
		To:   jid.MustParse("bob@localhost"),
		Type: stanza.ProbePresence,
	})
	require.Len(t, alice.received(), before, "unauthorized probes are dropped")
}
