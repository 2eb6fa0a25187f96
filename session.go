// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/stream"
	"mellium.im/xmppd/xmlcodec"
)

var noDeadline time.Time

// SessionState is a bitmask that represents the negotiation progress of one
// client session.
type SessionState uint8

const (
	// Secure indicates that the underlying connection has been secured
	// with STARTTLS.
	Secure SessionState = 1 << iota

	// Authn indicates that the session has been authenticated with SASL.
	Authn

	// Ready indicates that the session is fully negotiated, its full JID
	// is bound, and XMPP stanzas may be sent and received.
	Ready

	// OutputStreamClosed indicates that the output stream has been closed
	// with a stream end tag. When set, all write operations fail.
	OutputStreamClosed
)

// phases of the connection lifecycle, used for logging and transition
// checks. Negotiation substates are carried in the SessionState bitmask.
const (
	phaseConnected uint32 = iota
	phaseStreamOpen
	phaseNegotiating
	phaseBound
	phaseClosing
	phaseClosed
)

const writeTimeout = 30 * time.Second

// A Session is one client connection: it owns the socket, the XML tokenizer,
// and the negotiation state machine, and it implements router.Client for
// stanza delivery once it is bound.
type Session struct {
	srv    *Server
	conn   *Conn
	id     string
	logger logrus.FieldLogger

	dec *xmlcodec.Decoder
	d   *xml.Decoder

	location jid.JID // server domain
	origin   jid.JID // bare JID after SASL, full JID after bind

	slock sync.RWMutex
	state SessionState
	phase uint32

	features []StreamFeature

	writeMu sync.Mutex

	sendCh chan []byte
	queued int64

	done      chan struct{}
	closeOnce sync.Once
	writerWG  sync.WaitGroup

	in  stream.Info
	out stream.Info

	authAttempts int
	lastActivity int64
}

func newSession(srv *Server, rwc net.Conn) *Session {
	conn := newConn(rwc)
	s := &Session{
		srv:      srv,
		conn:     conn,
		id:       uuid.New().String(),
		location: srv.domain,
		features: srv.features,
		dec:      xmlcodec.New(conn, srv.config.Limits.StanzaBytes),
		sendCh:   make(chan []byte, srv.config.Limits.InboundMailbox),
		done:     make(chan struct{}),
	}
	s.d = xml.NewTokenDecoder(s.dec)
	s.logger = srv.logger.WithFields(logrus.Fields{
		"conn":   s.id,
		"remote": rwc.RemoteAddr().String(),
	})
	s.touch()
	return s
}

// ID implements router.Client.
func (s *Session) ID() string { return s.id }

// JID implements router.Client. It returns the bound full JID, the
// authenticated bare JID before binding, or the zero JID before
// authentication.
func (s *Session) JID() jid.JID {
	s.slock.RLock()
	defer s.slock.RUnlock()
	return s.origin
}

func (s *Session) setOrigin(j jid.JID) {
	s.slock.Lock()
	s.origin = j
	s.slock.Unlock()
}

// State returns the session's negotiation state bits.
func (s *Session) State() SessionState {
	s.slock.RLock()
	defer s.slock.RUnlock()
	return s.state
}

func (s *Session) setState(mask SessionState) {
	s.slock.Lock()
	s.state |= mask
	s.slock.Unlock()
}

// Send implements router.Client: a non-blocking offer onto the session's
// outbound queue. Exceeding the configured outbound byte budget closes the
// connection with resource-constraint.
func (s *Session) Send(p []byte) error {
	select {
	case <-s.done:
		return router.ErrMailboxFull
	default:
	}
	if atomic.AddInt64(&s.queued, int64(len(p))) > s.srv.config.Limits.OutboundBytes {
		atomic.AddInt64(&s.queued, -int64(len(p)))
		go s.terminate(stream.ResourceConstraint)
		return router.ErrMailboxFull
	}
	select {
	case s.sendCh <- p:
		return nil
	default:
		atomic.AddInt64(&s.queued, -int64(len(p)))
		return router.ErrMailboxFull
	}
}

// writeLoop drains the outbound queue. Stanzas enqueued by the router are
// written in enqueue order, serialized against direct protocol writes by the
// write mutex.
func (s *Session) writeLoop() {
	defer s.writerWG.Done()
	for {
		select {
		case p := <-s.sendCh:
			atomic.AddInt64(&s.queued, -int64(len(p)))
			if err := s.write(p); err != nil {
				s.logger.WithError(err).Debug("write failed")
				return
			}
		case <-s.done:
			// Flush whatever is already queued, bounded by the write
			// deadline on each write.
			for {
				select {
				case p := <-s.sendCh:
					atomic.AddInt64(&s.queued, -int64(len(p)))
					if err := s.write(p); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State()&OutputStreamClosed != 0 {
		return ErrOutputStreamClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.conn.Write(p)
	return err
}

func (s *Session) writef(format string, args ...interface{}) error {
	return s.write([]byte(fmt.Sprintf(format, args...)))
}

// xmlWriter is anything that can serialize itself onto a stream.
type xmlWriter interface {
	WriteXML(w io.Writer) error
}

func (s *Session) writeDirect(v xmlWriter) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State()&OutputStreamClosed != 0 {
		return ErrOutputStreamClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return v.WriteXML(s.conn)
}

// bounceIQ writes a stanza error reply for an IQ received on this session.
func (s *Session) bounceIQ(iq stanza.IQ, se stanza.Error) error {
	if iq.Type == stanza.ErrorIQ {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return iq.WriteError(s.conn, se)
}

func (s *Session) touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().Unix())
}

// LastActivity returns the time the session last made progress.
func (s *Session) LastActivity() time.Time {
	return time.Unix(atomic.LoadInt64(&s.lastActivity), 0)
}

func (s *Session) setPhase(p uint32) {
	atomic.StoreUint32(&s.phase, p)
}

// serve runs the connection until the stream ends. It is invoked (and on
// panic re-invoked) by the supervisor; beat reports liveness.
func (s *Session) serve(ctx context.Context, beat func()) error {
	defer s.teardown()
	s.writerWG.Add(1)
	go s.writeLoop()

	if err := s.negotiate(ctx, beat); err != nil {
		return err
	}
	return s.serveStanzas(ctx, beat)
}

// negotiate drives stream negotiation until the session is Ready: header
// exchange, features, and feature negotiation with stream restarts after
// STARTTLS and SASL.
func (s *Session) negotiate(ctx context.Context, beat func()) error {
	for {
		beat()
		s.armReadDeadline()
		if err := stream.Expect(ctx, s.d, &s.in); err != nil {
			return s.fatal(err, true)
		}
		s.touch()
		if !s.in.To.IsZero() && s.in.To.Domainpart() != s.location.Domainpart() {
			return s.fatal(stream.HostUnknown, true)
		}
		if err := s.sendHeader(); err != nil {
			return err
		}
		s.setPhase(phaseStreamOpen)
		if _, _, err := writeStreamFeatures(ctx, s); err != nil {
			return err
		}

		restarted, err := s.negotiateFeatures(ctx, beat)
		if err != nil {
			return err
		}
		if !restarted {
			return nil
		}
	}
}

// sendHeader writes the server stream header with a fresh stream id.
func (s *Session) sendHeader() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return stream.Send(s.conn, &s.out, s.location, s.in.From, s.srv.config.Lang, newStreamID())
}

// negotiateFeatures processes elements until the stream restarts or the
// session is Ready. It reports whether the caller should expect a new
// stream header.
func (s *Session) negotiateFeatures(ctx context.Context, beat func()) (restarted bool, err error) {
	for {
		beat()
		s.armReadDeadline()
		start, err := s.nextStart(ctx)
		if err != nil {
			if err == errStreamClosed {
				return false, s.closeStream()
			}
			return false, s.fatal(err, false)
		}
		s.touch()
		s.setPhase(phaseNegotiating)

		feature, ok := s.lookupFeature(start.Name)
		if !ok {
			return false, s.rejectElement(start)
		}

		mask, rw, err := feature.Negotiate(ctx, s, start)
		if err != nil {
			if se, ok := err.(stream.Error); ok {
				return false, s.fatal(se, false)
			}
			// The transport is gone or in an undefined state; no
			// further XML is possible.
			return false, err
		}
		if mask != 0 {
			s.setState(mask)
		}
		if rw != nil {
			s.restart()
			return true, nil
		}
		if s.State()&Ready != 0 {
			s.setPhase(phaseBound)
			s.logger.WithField("jid", s.JID().String()).Debug("session ready")
			return false, nil
		}
	}
}

// rejectElement terminates the stream after an element that cannot be
// negotiated in the current state.
func (s *Session) rejectElement(start xml.StartElement) error {
	switch {
	case start.Name.Space == ns.StartTLS && s.conn.Secure():
		// A second <starttls/> after the transport is already secured.
		_ = s.writef(`<failure xmlns='%s'/>`, ns.StartTLS)
		return s.fatal(stream.PolicyViolation, false)
	case isStanza(start.Name):
		// Stanzas are not accepted until the session is bound.
		return s.fatal(stream.NotAuthorized, false)
	default:
		return s.fatal(stream.UnsupportedStanzaType, false)
	}
}

// restart re-arms the tokenizer so that the next bytes are parsed as a new
// stream root. The codec reset, state update, and subsequent header and
// features emission happen before any other element is read from the
// connection, so no stanzas can interleave.
func (s *Session) restart() {
	s.dec.Reset(s.conn)
	s.d = xml.NewTokenDecoder(s.dec)
	s.in = stream.Info{}
	s.setPhase(phaseConnected)
}

// serveStanzas is the post-negotiation read loop: it decodes stanzas from
// the bound client and hands them to the router.
func (s *Session) serveStanzas(ctx context.Context, beat func()) error {
	for {
		beat()
		s.armReadDeadline()
		start, err := s.nextStart(ctx)
		if err != nil {
			if err == errStreamClosed {
				return s.closeStream()
			}
			return s.fatal(err, false)
		}
		s.touch()

		if start.Name.Space == ns.Stream {
			// The only stream namespaced element a client may send
			// mid-stream is an error.
			if start.Name.Local == "error" {
				s.logger.Debug("client sent stream error")
				return s.closeStream()
			}
			return s.fatal(stream.UnsupportedStanzaType, false)
		}

		if err := s.handleStanza(start); err != nil {
			if se, ok := err.(stream.Error); ok {
				return s.fatal(se, false)
			}
			return err
		}
	}
}

func (s *Session) handleStanza(start xml.StartElement) error {
	switch start.Name {
	case xml.Name{Space: ns.Client, Local: "message"}:
		var m stanza.Message
		if err := s.decodeElement(&m, &start); err != nil {
			return decodeError(err)
		}
		m.From = s.JID()
		s.srv.router.RouteMessage(m)
	case xml.Name{Space: ns.Client, Local: "presence"}:
		var p stanza.Presence
		if err := s.decodeElement(&p, &start); err != nil {
			return decodeError(err)
		}
		p.From = s.JID()
		s.srv.router.RoutePresence(s, p)
	case xml.Name{Space: ns.Client, Local: "iq"}:
		var iq stanza.IQ
		if err := s.decodeElement(&iq, &start); err != nil {
			return decodeError(err)
		}
		iq.From = s.JID()
		if iq.Payload.XMLName.Space == ns.Bind {
			// A second bind on the same stream is not permitted.
			return s.bounceIQ(iq, stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed})
		}
		s.srv.router.RouteIQ(s, iq)
	default:
		return stream.UnsupportedStanzaType
	}
	return nil
}

// errStreamClosed is returned by nextStart when the client closed its half
// of the stream with </stream:stream>.
var errStreamClosed = fmt.Errorf("xmppd: input stream closed")

// nextStart returns the next top level start element on the stream.
func (s *Session) nextStart(ctx context.Context) (xml.StartElement, error) {
	for {
		select {
		case <-ctx.Done():
			return xml.StartElement{}, ctx.Err()
		default:
		}
		tok, err := s.d.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.EndElement:
			// The tokenizer only surfaces the stream root's end element
			// at this level.
			return xml.StartElement{}, errStreamClosed
		case xml.CharData, xml.ProcInst:
			// Whitespace keepalives and the XML declaration.
			continue
		default:
			return xml.StartElement{}, stream.RestrictedXML
		}
	}
}

// decodeElement decodes the element that begins with start into v using the
// session's token decoder.
func (s *Session) decodeElement(v interface{}, start *xml.StartElement) error {
	return s.d.DecodeElement(v, start)
}

// decodeError preserves stream errors surfaced by the tokenizer during
// element decoding (eg. policy-violation for an oversize stanza); everything
// else was malformed markup.
func decodeError(err error) error {
	if se, ok := err.(stream.Error); ok {
		return se
	}
	return stream.NotWellFormed
}

// skip consumes the remainder of the element that begins with start.
func (s *Session) skip(start *xml.StartElement) error {
	return s.d.Skip()
}

func isStanza(name xml.Name) bool {
	if name.Space != ns.Client {
		return false
	}
	switch name.Local {
	case "message", "presence", "iq":
		return true
	}
	return false
}

// armReadDeadline pushes the idle timeout forward before a blocking read.
func (s *Session) armReadDeadline() {
	idle := s.srv.config.Limits.IdleTimeout()
	if idle <= 0 {
		_ = s.conn.SetReadDeadline(noDeadline)
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(idle))
}

// fatal sends a stream error (mapping timeouts and XML problems to their
// RFC conditions), closes the stream, and returns the original error. When
// withHeader is set a server stream header is written first so that the
// error is well formed on a stream where no header was sent yet.
func (s *Session) fatal(err error, withHeader bool) error {
	se := streamErrorFor(err)
	if withHeader {
		_ = s.sendHeader()
	}
	_ = s.writeStreamError(se)
	_ = s.closeStream()
	if err == nil {
		return se
	}
	return err
}

func (s *Session) writeStreamError(se stream.Error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State()&OutputStreamClosed != 0 {
		return ErrOutputStreamClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := se.WriteXML(s.conn)
	return err
}

// streamErrorFor maps any error to the stream error that should be sent on
// the wire for it.
func streamErrorFor(err error) stream.Error {
	switch typed := err.(type) {
	case stream.Error:
		return typed
	case net.Error:
		if typed.Timeout() {
			return stream.ConnectionTimeout
		}
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return stream.NotWellFormed
	}
	return stream.InternalServerError
}

// closeStream ends the output stream with a closing tag. It does not close
// the underlying connection; teardown does that after the write queue
// drains.
func (s *Session) closeStream() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.slock.Lock()
	if s.state&OutputStreamClosed != 0 {
		s.slock.Unlock()
		return nil
	}
	s.state |= OutputStreamClosed
	s.slock.Unlock()
	s.setPhase(phaseClosing)
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.conn.Write([]byte(`</stream:stream>`))
	return err
}

// terminate sends a stream error from outside the serve loop (eg. when the
// outbound budget is exceeded or the server shuts down) and tears the
// connection down.
func (s *Session) terminate(se stream.Error) {
	_ = s.writeStreamError(se)
	_ = s.closeStream()
	_ = s.conn.Close()
}

// teardown removes the session from the shared indices and releases the
// socket: the session index and resource manager first (via Unbind, which
// also broadcasts unavailable presence), then the write queue is drained
// and the connection closed.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.srv.router.Unbind(s)
		s.srv.dropSession(s)
		close(s.done)
		s.writerWG.Wait()
		_ = s.conn.Close()
		s.setPhase(phaseClosed)
		s.logger.Debug("connection closed")
	})
}
