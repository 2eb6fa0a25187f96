// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router_test

import (
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
)

type fakeClient struct {
	id   string
	jid  jid.JID
	full bool

	mu   sync.Mutex
	sent []string
}

func (c *fakeClient) ID() string   { return c.id }
func (c *fakeClient) JID() jid.JID { return c.jid }

func (c *fakeClient) Send(p []byte) error {
	if c.full {
		return router.ErrMailboxFull
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, string(p))
	return nil
}

func (c *fakeClient) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeClient) last(t *testing.T) string {
	t.Helper()
	got := c.received()
	require.NotEmpty(t, got, "expected client %s to have received a stanza", c.id)
	return got[len(got)-1]
}

type nopIQ struct{}

func (nopIQ) ServeIQ(w io.Writer, iq stanza.IQ) error {
	return iq.Result(w)
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newRouter() *router.Router {
	return router.New(jid.MustParse("localhost"), nopIQ{}, quiet())
}

// bind registers a client and announces availability with the given
// priority.
func bind(t *testing.T, r *router.Router, user, resource string, priority int8) *fakeClient {
	t.Helper()
	c := &fakeClient{id: user + "/" + resource}
	full, err := r.Bind(c, jid.MustParse(user+"@localhost"), resource)
	require.NoError(t, err)
	c.jid = full
	r.RoutePresence(c, stanza.Presence{From: full, Priority: priority})
	return c
}

func TestBindRequestedResource(t *testing.T) {
	r := newRouter()
	c := &fakeClient{id: "c1"}
	full, err := r.Bind(c, jid.MustParse("alice@localhost"), "home")
	require.NoError(t, err)
	require.Equal(t, "alice@localhost/home", full.String())
	c.jid = full

	got, ok := r.Lookup(full)
	require.True(t, ok)
	require.Same(t, c, got.(*fakeClient))
	require.Equal(t, []string{"home"}, r.ActiveResources(full.Bare()))
}

func TestBindConflictGeneratesFresh(t *testing.T) {
	r := newRouter()
	c1 := &fakeClient{id: "c1"}
	full1, err := r.Bind(c1, jid.MustParse("alice@localhost"), "home")
	require.NoError(t, err)
	c1.jid = full1

	c2 := &fakeClient{id: "c2"}
	full2, err := r.Bind(c2, jid.MustParse("alice@localhost"), "home")
	require.NoError(t, err)
	c2.jid = full2

	require.NotEqual(t, full1.String(), full2.String())
	require.Len(t, r.ActiveResources(full1.Bare()), 2)
}

func TestUnbindOwnerOnly(t *testing.T) {
	r := newRouter()
	c := bind(t, r, "alice", "home", 0)

	// A different connection holding the same JID must not be able to
	// remove the binding.
	impostor := &fakeClient{id: "other", jid: c.jid}
	r.Unbind(impostor)
	_, ok := r.Lookup(c.jid)
	require.True(t, ok, "impostor must not unbind someone else's resource")

	r.Unbind(c)
	_, ok = r.Lookup(c.jid)
	require.False(t, ok)
	require.Empty(t, r.ActiveResources(c.jid.Bare()))
}

func TestRouteMessageToFullJID(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)
	bob := bind(t, r, "bob", "phone", 0)

	r.RouteMessage(stanza.Message{
		ID:       "m1",
		To:       bob.jid,
		From:     alice.jid,
		Type:     stanza.ChatMessage,
		InnerXML: []byte("<body>hi</body>"),
	})
	require.Contains(t, bob.last(t), "<body>hi</body>")
	require.Contains(t, bob.last(t), "from='alice@localhost/home'")
}

func TestRouteMessageBareSelectsHighestPriority(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)
	low := bind(t, r, "bob", "phone", 1)
	high := bind(t, r, "bob", "desktop", 5)
	negative := bind(t, r, "bob", "tablet", -1)

	r.RouteMessage(stanza.Message{
		ID:   "m1",
		To:   jid.MustParse("bob@localhost"),
		From: alice.jid,
		Type: stanza.ChatMessage,
	})
	require.NotEmpty(t, high.received())
	require.Empty(t, low.received())
	require.Empty(t, negative.received())
}

func TestRouteMessageHeadlineBroadcast(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)
	phone := bind(t, r, "bob", "phone", 1)
	desktop := bind(t, r, "bob", "desktop", 5)

	r.RouteMessage(stanza.Message{
		ID:   "m1",
		To:   jid.MustParse("bob@localhost"),
		From: alice.jid,
		Type: stanza.HeadlineMessage,
	})
	require.NotEmpty(t, phone.received())
	require.NotEmpty(t, desktop.received())
}

func TestRouteMessageOfflineBounce(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)

	r.RouteMessage(stanza.Message{
		ID:   "m1",
		To:   jid.MustParse("bob@localhost"),
		From: alice.jid,
		Type: stanza.ChatMessage,
	})
	const want = `<message type='error' to='alice@localhost/home' from='bob@localhost' id='m1'><error type='cancel'><service-unavailable xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></message>`
	require.Equal(t, want, alice.last(t))
}

func TestRouteMessageErrorSilentDrop(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)

	r.RouteMessage(stanza.Message{
		ID:   "m1",
		To:   jid.MustParse("bob@localhost"),
		From: alice.jid,
		Type: stanza.ErrorMessage,
	})
	require.Empty(t, alice.received(), "undeliverable error stanzas are dropped")
}

func TestRouteMessageGroupchatRejected(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)
	bind(t, r, "bob", "phone", 0)

	r.RouteMessage(stanza.Message{
		ID:   "m1",
		To:   jid.MustParse("bob@localhost"),
		From: alice.jid,
		Type: stanza.GroupChatMessage,
	})
	require.Contains(t, alice.last(t), "service-unavailable")
}

func TestRouteMessageFullJIDFallsBackToBare(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)
	bob := bind(t, r, "bob", "phone", 0)

	r.RouteMessage(stanza.Message{
		ID:   "m1",
		To:   jid.MustParse("bob@localhost/gone"),
		From: alice.jid,
		Type: stanza.ChatMessage,
	})
	require.NotEmpty(t, bob.received())
}

func TestRouteMessageMailboxFull(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)
	bob := bind(t, r, "bob", "phone", 0)
	bob.full = true

	r.RouteMessage(stanza.Message{
		ID:   "m1",
		To:   bob.jid,
		From: alice.jid,
		Type: stanza.ChatMessage,
	})
	require.Contains(t, alice.last(t), "resource-constraint")
}

func TestRouteIQServerDomain(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)

	iq := stanza.IQ{ID: "p1", From: alice.jid, Type: stanza.GetIQ}
	r.RouteIQ(alice, iq)
	require.True(t, strings.HasPrefix(alice.last(t), "<iq type='result'"), "got %q", alice.last(t))
}

func TestRouteIQUnreachableFullJID(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)

	r.RouteIQ(alice, stanza.IQ{
		ID:   "v1",
		To:   jid.MustParse("bob@localhost/gone"),
		From: alice.jid,
		Type: stanza.GetIQ,
	})
	require.Contains(t, alice.last(t), "service-unavailable")
	require.Contains(t, alice.last(t), "id='v1'")
}

func TestRouteIQResultAbsorbed(t *testing.T) {
	r := newRouter()
	alice := bind(t, r, "alice", "home", 0)

	r.RouteIQ(alice, stanza.IQ{ID: "r1", From: alice.jid, Type: stanza.ResultIQ})
	require.Empty(t, alice.received())
}
