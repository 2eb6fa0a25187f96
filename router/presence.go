// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router

import (
	"bytes"
	"sync"
	"time"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// presenceRecord is the last availability state broadcast by one full JID.
// The priority steers bare JID message routing; inner is the verbatim
// payload (show, status, and anything else the client sent) replayed in
// probe replies.
type presenceRecord struct {
	avail    bool
	priority int8
	updated  time.Time
	inner    []byte
}

// presenceTable tracks presence records and directed presence targets per
// full JID.
type presenceTable struct {
	mu       sync.RWMutex
	records  map[string]presenceRecord
	directed map[string]map[string]jid.JID // full JID -> target JID string -> target
}

func newPresenceTable() *presenceTable {
	return &presenceTable{
		records:  make(map[string]presenceRecord),
		directed: make(map[string]map[string]jid.JID),
	}
}

func (t *presenceTable) record(full string) (presenceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[full]
	return rec, ok
}

func (t *presenceTable) update(full string, p stanza.Presence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Type == stanza.UnavailablePresence {
		delete(t.records, full)
		return
	}
	t.records[full] = presenceRecord{
		avail:    true,
		priority: p.Priority,
		updated:  time.Now(),
		inner:    p.InnerXML,
	}
}

func (t *presenceTable) addDirected(full string, target jid.JID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	targets := t.directed[full]
	if targets == nil {
		targets = make(map[string]jid.JID)
		t.directed[full] = targets
	}
	targets[target.String()] = target
}

func (t *presenceTable) directedTargets(full string) []jid.JID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]jid.JID, 0, len(t.directed[full]))
	for _, target := range t.directed[full] {
		out = append(out, target)
	}
	return out
}

func (t *presenceTable) forget(full string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, full)
	delete(t.directed, full)
}

// subscriptionTable tracks who may see whose broadcast presence. All keys
// are bare JID strings. Entries survive session close; a real deployment
// would persist them through the account store.
type subscriptionTable struct {
	mu sync.RWMutex

	// subscribers[owner] is the set of bare JIDs authorized to receive
	// owner's broadcast presence.
	subscribers map[string]map[string]struct{}

	// subscriptions[owner] is the set of bare JIDs whose presence owner
	// receives; it mirrors subscribers from the other side.
	subscriptions map[string]map[string]struct{}

	// pending[recipient] is the set of bare JIDs with an unanswered
	// subscription request to recipient.
	pending map[string]map[string]struct{}
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{
		subscribers:   make(map[string]map[string]struct{}),
		subscriptions: make(map[string]map[string]struct{}),
		pending:       make(map[string]map[string]struct{}),
	}
}

func addPair(m map[string]map[string]struct{}, key, member string) {
	set := m[key]
	if set == nil {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[member] = struct{}{}
}

func removePair(m map[string]map[string]struct{}, key, member string) {
	if set, ok := m[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

func (t *subscriptionTable) addPending(recipient, requester string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addPair(t.pending, recipient, requester)
}

// approve records that owner has authorized subscriber to receive its
// broadcast presence.
func (t *subscriptionTable) approve(owner, subscriber string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addPair(t.subscribers, owner, subscriber)
	addPair(t.subscriptions, subscriber, owner)
	removePair(t.pending, owner, subscriber)
}

// revoke removes subscriber's authorization to receive owner's broadcast
// presence, whichever side initiated the removal.
func (t *subscriptionTable) revoke(owner, subscriber string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	removePair(t.subscribers, owner, subscriber)
	removePair(t.subscriptions, subscriber, owner)
	removePair(t.pending, owner, subscriber)
}

// authorized reports whether subscriber may receive owner's broadcast
// presence.
func (t *subscriptionTable) authorized(owner, subscriber string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.subscribers[owner][subscriber]
	return ok
}

func (t *subscriptionTable) subscribersOf(owner string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.subscribers[owner]))
	for sub := range t.subscribers[owner] {
		out = append(out, sub)
	}
	return out
}

// Subscribed reports whether subscriber is authorized to receive owner's
// broadcast presence. It is exported for tests and diagnostics.
func (r *Router) Subscribed(owner, subscriber jid.JID) bool {
	return r.subs.authorized(owner.Bare().String(), subscriber.Bare().String())
}

// RoutePresence processes a presence stanza from a bound session. The from
// address must already be stamped with the sender's full JID.
func (r *Router) RoutePresence(sender Client, p stanza.Presence) {
	from := p.From

	// No to address (or the sender's own bare JID) selects broadcast
	// semantics for availability presence.
	broadcast := p.To.IsZero() || p.To.Equal(from.Bare())

	switch p.Type {
	case "", stanza.UnavailablePresence:
		if broadcast {
			r.presences.update(from.String(), p)
			r.broadcastPresence(from, p)
			return
		}
		r.presences.addDirected(from.String(), p.To)
		r.deliverPresence(p.To, p)
	case stanza.SubscribePresence:
		if broadcast {
			return
		}
		r.subs.addPending(p.To.Bare().String(), from.Bare().String())
		r.forwardSubscription(p)
	case stanza.SubscribedPresence:
		if broadcast {
			return
		}
		r.subs.approve(from.Bare().String(), p.To.Bare().String())
		r.forwardSubscription(p)
	case stanza.UnsubscribePresence:
		if broadcast {
			return
		}
		r.subs.revoke(p.To.Bare().String(), from.Bare().String())
		r.forwardSubscription(p)
	case stanza.UnsubscribedPresence:
		if broadcast {
			return
		}
		r.subs.revoke(from.Bare().String(), p.To.Bare().String())
		r.forwardSubscription(p)
	case stanza.ProbePresence:
		if broadcast {
			return
		}
		r.answerProbe(sender, p)
	case stanza.ErrorPresence:
		// Error presence that cannot be processed is dropped.
	}
}

// broadcastPresence sends an availability update to every authorized
// subscriber with at least one available resource and to every directed
// presence target recorded for the sender.
func (r *Router) broadcastPresence(from jid.JID, p stanza.Presence) {
	seen := make(map[string]struct{})
	for _, sub := range r.subs.subscribersOf(from.Bare().String()) {
		target, err := jid.Parse(sub)
		if err != nil {
			continue
		}
		if !r.Local(target) {
			continue
		}
		seen[target.Bare().String()] = struct{}{}
		out := p
		out.To = target
		r.deliverPresence(target, out)
	}
	for _, target := range r.presences.directedTargets(from.String()) {
		if _, dup := seen[target.Bare().String()]; dup {
			continue
		}
		out := p
		out.To = target
		r.deliverPresence(target, out)
	}
}

// broadcastUnavailable is invoked during unbind: the closing session's last
// presence is replaced by an unavailable broadcast with the last known from
// address.
func (r *Router) broadcastUnavailable(full jid.JID) {
	if _, ok := r.presences.record(full.String()); !ok {
		// The session never announced availability; nobody is expecting
		// an unavailable notice.
		r.presences.forget(full.String())
		return
	}
	p := stanza.Presence{From: full, Type: stanza.UnavailablePresence}
	r.broadcastPresence(full, p)
}

// deliverPresence delivers a presence to a target address: to the exact
// session for a full JID, or to every available resource for a bare JID.
func (r *Router) deliverPresence(to jid.JID, p stanza.Presence) {
	if !r.Local(to) {
		return
	}
	if to.IsFull() {
		if c, ok := r.Lookup(to); ok {
			r.sendPresence(c, p)
		}
		return
	}
	for _, c := range r.availableClients(to) {
		r.sendPresence(c, p)
	}
}

// forwardSubscription forwards a subscription state change to the target's
// available resources. Subscription stanzas are addressed bare-to-bare.
func (r *Router) forwardSubscription(p stanza.Presence) {
	p.From = p.From.Bare()
	p.To = p.To.Bare()
	for _, c := range r.clients(p.To) {
		r.sendPresence(c, p)
	}
}

// answerProbe replies to a presence probe from an authorized subscriber with
// the target's current presence, or with an unavailable presence if the
// target has none.
func (r *Router) answerProbe(sender Client, p stanza.Presence) {
	target := p.To.Bare()
	if !r.subs.authorized(target.String(), p.From.Bare().String()) {
		// Probes from entities with no subscription are dropped.
		return
	}

	var answered bool
	for _, c := range r.clients(target) {
		rec, ok := r.presences.record(c.JID().String())
		if !ok || !rec.avail {
			continue
		}
		answered = true
		reply := stanza.Presence{
			From:     c.JID(),
			To:       p.From,
			InnerXML: rec.inner,
		}
		r.sendPresence(sender, reply)
	}
	if !answered {
		reply := stanza.Presence{
			From: target,
			To:   p.From,
			Type: stanza.UnavailablePresence,
		}
		r.sendPresence(sender, reply)
	}
}

func (r *Router) sendPresence(c Client, p stanza.Presence) {
	var buf bytes.Buffer
	if err := p.WriteXML(&buf); err != nil {
		r.logger.WithError(err).Error("serializing presence")
		return
	}
	if err := c.Send(buf.Bytes()); err != nil {
		// Presence is best-effort; a slow connection loses updates
		// rather than generating bounces.
		r.logger.WithField("conn", c.ID()).Debug("dropping presence for slow connection")
	}
}
