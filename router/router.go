// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package router implements the in-process routing fabric: the session index
// mapping bound JIDs to live connections, the per-account resource manager,
// the presence and subscription bookkeeping, and stanza delivery with
// RFC 6120 error bouncing.
package router // import "mellium.im/xmppd/router"

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/internal/attr"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// Errors returned by the router.
var (
	// ErrMailboxFull is returned by a Client's Send method when the
	// connection's outbound queue cannot accept the stanza. The router
	// translates it into a resource-constraint bounce.
	ErrMailboxFull = errors.New("router: client mailbox is full")

	// ErrNotBound is returned when an operation requires a bound session
	// and the client is not in the index.
	ErrNotBound = errors.New("router: client is not bound")
)

// A Client is the delivery handle of a bound connection. It is implemented
// by the per-connection session type; the router never holds anything
// heavier than this interface and the JID strings in its indices.
type Client interface {
	// ID is the opaque connection identifier.
	ID() string

	// JID is the full JID bound to the connection, or the zero JID before
	// binding.
	JID() jid.JID

	// Send enqueues the serialized stanza on the connection's outbound
	// queue without blocking. It returns ErrMailboxFull when the queue
	// cannot accept the payload.
	Send(p []byte) error
}

// An IQHandler answers IQ stanzas addressed to the server itself. Replies
// are written to w; a returned stanza.Error is bounced to the sender with
// the original id.
type IQHandler interface {
	ServeIQ(w io.Writer, iq stanza.IQ) error
}

// Router routes stanzas between bound sessions on one server.
type Router struct {
	domain jid.JID
	iq     IQHandler
	logger logrus.FieldLogger

	mu        sync.RWMutex
	byFull    map[string]Client
	resources map[string]map[string]string // bare JID -> resourcepart -> connection id
	counter   uint64

	presences *presenceTable
	subs      *subscriptionTable
}

// New returns a Router for the given server domain. IQ stanzas addressed to
// the domain itself are answered by h.
func New(domain jid.JID, h IQHandler, logger logrus.FieldLogger) *Router {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Router{
		domain:    domain,
		iq:        h,
		logger:    logger,
		byFull:    make(map[string]Client),
		resources: make(map[string]map[string]string),
		presences: newPresenceTable(),
		subs:      newSubscriptionTable(),
	}
}

// Domain returns the server domain the router serves.
func (r *Router) Domain() jid.JID {
	return r.domain
}

// Local reports whether the address belongs to this server.
func (r *Router) Local(j jid.JID) bool {
	return j.Domainpart() == r.domain.Domainpart()
}

// Bind allocates a resource for the client under the given bare JID and
// inserts the resulting full JID into the session index. If requested is
// non-empty and currently free for the bare JID it is used, otherwise a
// fresh unique token is generated.
func (r *Router) Bind(c Client, bare jid.JID, requested string) (jid.JID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bareStr := bare.Bare().String()
	bound := r.resources[bareStr]

	resource := requested
	if resource != "" {
		if _, taken := bound[resource]; taken {
			resource = ""
		} else if _, err := bare.WithResource(resource); err != nil {
			resource = ""
		}
	}
	for resource == "" {
		r.counter++
		candidate := fmt.Sprintf("%s-%d", attr.RandomLen(12), r.counter)
		if _, taken := bound[candidate]; !taken {
			resource = candidate
		}
	}

	full, err := bare.WithResource(resource)
	if err != nil {
		return jid.JID{}, errors.Wrap(err, "router: binding resource")
	}

	if bound == nil {
		bound = make(map[string]string)
		r.resources[bareStr] = bound
	}
	bound[resource] = c.ID()
	r.byFull[full.String()] = c

	r.logger.WithFields(logrus.Fields{"conn": c.ID(), "jid": full.String()}).Info("bound resource")
	return full, nil
}

// Unbind removes the client's full JID from the session index and releases
// its resource. Before the entry is removed an unavailable presence with the
// last known from address is broadcast to authorized subscribers and
// directed presence targets. Only the owning connection may remove its own
// mapping; a mismatched connection id is a no-op.
func (r *Router) Unbind(c Client) {
	full := c.JID()
	if full.IsZero() {
		return
	}
	fullStr := full.String()
	bareStr := full.Bare().String()

	r.mu.Lock()
	if bound, ok := r.resources[bareStr]; !ok || bound[full.Resourcepart()] != c.ID() {
		r.mu.Unlock()
		return
	}
	delete(r.byFull, fullStr)
	delete(r.resources[bareStr], full.Resourcepart())
	if len(r.resources[bareStr]) == 0 {
		delete(r.resources, bareStr)
	}
	r.mu.Unlock()

	r.broadcastUnavailable(full)
	r.presences.forget(fullStr)
	r.logger.WithFields(logrus.Fields{"conn": c.ID(), "jid": fullStr}).Info("released resource")
}

// ActiveResources returns the resourceparts currently bound for the bare
// JID.
func (r *Router) ActiveResources(bare jid.JID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bound := r.resources[bare.Bare().String()]
	out := make([]string, 0, len(bound))
	for resource := range bound {
		out = append(out, resource)
	}
	return out
}

// Lookup returns the connection a full JID is bound to.
func (r *Router) Lookup(full jid.JID) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byFull[full.String()]
	return c, ok
}

// clients returns the connections bound under a bare JID.
func (r *Router) clients(bare jid.JID) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bound := r.resources[bare.Bare().String()]
	out := make([]Client, 0, len(bound))
	for resource := range bound {
		if c, ok := r.byFull[bare.Bare().String()+"/"+resource]; ok {
			out = append(out, c)
		}
	}
	return out
}

// RouteMessage routes a message from a bound session. The from address must
// already be stamped with the sender's full JID.
func (r *Router) RouteMessage(m stanza.Message) {
	to := m.To
	if to.IsZero() {
		// A message with no to address is delivered to the sender's own
		// bare JID.
		to = m.From.Bare()
	}

	switch {
	case to.IsDomain() && r.Local(to):
		// Only IQ stanzas are serviced by the server itself.
		r.bounceMessage(m, stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable})
		return
	case !r.Local(to):
		// Federation is out of scope; remote domains are unreachable.
		r.bounceMessage(m, stanza.Error{Type: stanza.Cancel, Condition: stanza.RemoteServerNotFound})
		return
	}

	if m.Type == stanza.GroupChatMessage {
		r.bounceMessage(m, stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable})
		return
	}

	if to.IsFull() {
		if c, ok := r.Lookup(to); ok {
			r.deliverMessage(c, m)
			return
		}
		// Fall back to bare JID routing for messages to a full JID with
		// no such session.
		to = to.Bare()
	}

	switch m.Type {
	case stanza.HeadlineMessage:
		targets := r.availableClients(to)
		if len(targets) == 0 {
			r.bounceMessage(m, stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable})
			return
		}
		for _, c := range targets {
			r.deliverMessage(c, m)
		}
	default:
		// chat and normal messages go to the most available resource.
		c, ok := r.bestResource(to)
		if !ok {
			r.bounceMessage(m, stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable})
			return
		}
		r.deliverMessage(c, m)
	}
}

// availableClients returns the connections under a bare JID that have
// broadcast an availability presence.
func (r *Router) availableClients(bare jid.JID) []Client {
	var out []Client
	for _, c := range r.clients(bare) {
		if rec, ok := r.presences.record(c.JID().String()); ok && rec.avail {
			out = append(out, c)
		}
	}
	return out
}

// bestResource selects the available resource with the highest non-negative
// priority under the bare JID; ties are broken by the most recent presence
// update. A resource with negative priority never receives bare JID
// addressed messages.
func (r *Router) bestResource(bare jid.JID) (Client, bool) {
	var best Client
	var bestRec presenceRecord
	for _, c := range r.clients(bare) {
		rec, ok := r.presences.record(c.JID().String())
		if !ok || !rec.avail || rec.priority < 0 {
			continue
		}
		if best == nil || rec.priority > bestRec.priority ||
			(rec.priority == bestRec.priority && rec.updated.After(bestRec.updated)) {
			best = c
			bestRec = rec
		}
	}
	return best, best != nil
}

func (r *Router) deliverMessage(c Client, m stanza.Message) {
	var buf bytes.Buffer
	if err := m.WriteXML(&buf); err != nil {
		r.logger.WithError(err).Error("serializing message")
		return
	}
	if err := c.Send(buf.Bytes()); err != nil {
		r.bounceMessage(m, stanza.Error{Type: stanza.Wait, Condition: stanza.ResourceConstraint})
	}
}

// bounceMessage returns an error copy of the message to its sender. A
// message that is already of type error is silently dropped to prevent
// loops.
func (r *Router) bounceMessage(m stanza.Message, se stanza.Error) {
	if m.Type == stanza.ErrorMessage {
		return
	}
	sender, ok := r.Lookup(m.From)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := m.WriteError(&buf, se); err != nil {
		r.logger.WithError(err).Error("serializing message bounce")
		return
	}
	if err := sender.Send(buf.Bytes()); err != nil {
		r.logger.WithFields(logrus.Fields{"conn": sender.ID()}).Debug("dropping bounce for slow connection")
	}
}

// RouteIQ routes an IQ from a bound session. The from address must already
// be stamped with the sender's full JID.
func (r *Router) RouteIQ(sender Client, iq stanza.IQ) {
	to := iq.To
	if to.IsZero() {
		// An IQ with no to address is addressed to the server.
		to = r.domain
	}

	switch {
	case to.IsDomain() && r.Local(to):
		r.serveIQ(sender, iq)
		return
	case !r.Local(to):
		r.bounceIQ(iq, stanza.Error{Type: stanza.Cancel, Condition: stanza.RemoteServerNotFound})
		return
	case !to.IsFull():
		// Account level IQs (to a bare JID with a localpart) are not a
		// service this server provides.
		r.bounceIQ(iq, stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable})
		return
	}

	c, ok := r.Lookup(to)
	if !ok {
		r.bounceIQ(iq, stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable})
		return
	}
	var buf bytes.Buffer
	if err := iq.WriteXML(&buf); err != nil {
		r.logger.WithError(err).Error("serializing iq")
		return
	}
	if err := c.Send(buf.Bytes()); err != nil {
		r.bounceIQ(iq, stanza.Error{Type: stanza.Wait, Condition: stanza.ResourceConstraint})
	}
}

func (r *Router) serveIQ(sender Client, iq stanza.IQ) {
	if !iq.Request() {
		// Results and errors addressed to the server are absorbed.
		return
	}
	var buf bytes.Buffer
	if err := r.iq.ServeIQ(&buf, iq); err != nil {
		se := stanza.Error{Type: stanza.Cancel, Condition: stanza.InternalServerError}
		if stanzaErr, ok := err.(stanza.Error); ok {
			se = stanzaErr
		} else {
			r.logger.WithError(err).Error("iq handler failed")
		}
		r.bounceIQ(iq, se)
		return
	}
	if err := sender.Send(buf.Bytes()); err != nil {
		r.logger.WithFields(logrus.Fields{"conn": sender.ID()}).Debug("dropping iq reply for slow connection")
	}
}

// bounceIQ returns an error copy of the IQ to its sender. An IQ that is
// already of type error is silently dropped.
func (r *Router) bounceIQ(iq stanza.IQ, se stanza.Error) {
	if iq.Type == stanza.ErrorIQ {
		return
	}
	sender, ok := r.Lookup(iq.From)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := iq.WriteError(&buf, se); err != nil {
		r.logger.WithError(err).Error("serializing iq bounce")
		return
	}
	if err := sender.Send(buf.Bytes()); err != nil {
		r.logger.WithFields(logrus.Fields{"conn": sender.ID()}).Debug("dropping bounce for slow connection")
	}
}
