// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/disco"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/mux"
	"mellium.im/xmppd/ping"
	"mellium.im/xmppd/roster"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
	"mellium.im/xmppd/stream"
	"mellium.im/xmppd/supervisor"
	"mellium.im/xmppd/version"
)

// Software identification reported by jabber:iq:version.
const (
	softwareName    = "xmppd"
	softwareVersion = "0.1.0"
)

// A Server accepts client connections and runs a Session for each.
type Server struct {
	config *Config
	domain jid.JID
	logger logrus.FieldLogger

	tlsConfig *tls.Config
	features  []StreamFeature
	router    *router.Router
	sup       *supervisor.Supervisor

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*Session
	closed   bool
}

// NewServer assembles a server from its configuration and credential store.
func NewServer(config *Config, store storage.UserStore, logger logrus.FieldLogger) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	domain, err := jid.Parse(config.Server.Domain)
	if err != nil {
		return nil, errors.Wrap(err, "xmppd: invalid server domain")
	}

	srv := &Server{
		config:   config,
		domain:   domain,
		logger:   logger,
		sessions: make(map[string]*Session),
		sup: supervisor.New(supervisor.Config{
			MaxFailures:    config.Supervision.MaxFailures,
			ResetInterval:  time.Duration(config.Supervision.ResetMinutes) * time.Minute,
			HealthInterval: time.Duration(config.Supervision.HealthCheckSeconds) * time.Second,
		}, logger),
	}

	serviceMux := newServiceMux()
	srv.router = router.New(domain, serviceMux, logger)

	if config.TLS.Enabled {
		srv.tlsConfig, err = newTLSConfig(config.TLS)
		if err != nil {
			return nil, err
		}
		srv.features = append(srv.features, StartTLS(config.TLS.Required, srv.tlsConfig))
	}
	saslFeature := SASL(store, config.SASL.Mechanisms, config.SASL.PlainOverTLSOnly)
	if config.TLS.Enabled && config.TLS.Required {
		// SASL mechanisms are withheld until the transport is secured.
		saslFeature.Necessary |= Secure
	}
	srv.features = append(srv.features, saslFeature, BindResource(), SessionFeature())

	return srv, nil
}

// newServiceMux wires the IQ services the server answers on its own domain.
func newServiceMux() *mux.ServeMux {
	return mux.New(
		mux.IQ(ping.NS, ping.Handler{}),
		mux.IQ(version.NS, version.Handler{Name: softwareName, Version: softwareVersion}),
		mux.IQ(roster.NS, roster.Handler{}),
		mux.IQ(disco.NSItems, disco.ItemsHandler{}),
		mux.IQ(disco.NSInfo, disco.InfoHandler{Features: []string{
			disco.NSInfo,
			disco.NSItems,
			ping.NS,
			version.NS,
			ns.Bind,
			ns.Session,
		}}),
		// Binding is negotiated by the stream state machine; an IQ that
		// lands here instead is malformed.
		mux.IQFunc(ns.Bind, func(io.Writer, stanza.IQ) error {
			return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
		}),
		// Session establishment is a legacy no-op.
		mux.IQFunc(ns.Session, func(w io.Writer, iq stanza.IQ) error {
			if iq.Type != stanza.SetIQ {
				return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
			}
			return iq.Result(w)
		}),
	)
}

func newTLSConfig(config TLSConfig) (*tls.Config, error) {
	out := &tls.Config{MinVersion: tls.VersionTLS12}
	for _, proto := range config.Protocols {
		// The lowest listed protocol sets the floor.
		if proto == "TLSv1.3" && len(config.Protocols) == 1 {
			out.MinVersion = tls.VersionTLS13
		}
	}
	switch config.ClientAuth {
	case "", "none":
		out.ClientAuth = tls.NoClientCert
	case "want":
		out.ClientAuth = tls.RequestClientCert
	case "need":
		out.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, errors.Errorf("xmppd: unknown tls.client_auth %q", config.ClientAuth)
	}
	if config.KeystorePath != "" {
		cert, err := tls.LoadX509KeyPair(config.KeystorePath, config.KeystorePassword)
		if err != nil {
			return nil, errors.Wrap(err, "xmppd: loading TLS keypair")
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// Router exposes the routing fabric, mainly for tests and diagnostics.
func (srv *Server) Router() *router.Router {
	return srv.router
}

// ListenAndServe listens on the configured bind port and serves client
// connections until Shutdown is called.
func (srv *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", srv.config.Bind.Port))
	if err != nil {
		return errors.Wrap(err, "xmppd: listening")
	}
	return srv.Serve(ln)
}

// Serve accepts incoming connections on l, spawning a supervised session for
// each.
func (srv *Server) Serve(l net.Listener) error {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return errors.New("xmppd: server is shut down")
	}
	srv.listener = l
	srv.mu.Unlock()

	srv.logger.WithField("addr", l.Addr().String()).Info("listening for client connections")
	for {
		rwc, err := l.Accept()
		if err != nil {
			srv.mu.Lock()
			closed := srv.closed
			srv.mu.Unlock()
			if closed {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				srv.logger.WithError(err).Warn("accept failed; retrying")
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return errors.Wrap(err, "xmppd: accept")
		}
		srv.startSession(rwc)
	}
}

func (srv *Server) startSession(rwc net.Conn) {
	s := newSession(srv, rwc)

	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		_ = rwc.Close()
		return
	}
	srv.sessions[s.id] = s
	srv.mu.Unlock()

	srv.sup.Watch("conn/"+s.id, supervisor.Restart, s.serve)
}

func (srv *Server) dropSession(s *Session) {
	srv.mu.Lock()
	delete(srv.sessions, s.id)
	srv.mu.Unlock()
}

// Shutdown stops accepting connections and closes every active stream with
// a system-shutdown stream error.
func (srv *Server) Shutdown() {
	srv.mu.Lock()
	srv.closed = true
	ln := srv.listener
	active := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		active = append(active, s)
	}
	srv.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, s := range active {
		s.terminate(stream.SystemShutdown)
	}
	srv.sup.Close()
	srv.logger.Info("server stopped")
}
