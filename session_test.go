// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/storage"
)

const clientHeader = `<?xml version='1.0'?><stream:stream to='localhost' version='1.0' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.TLS.Enabled = false
	cfg.TLS.Required = false
	cfg.SASL.PlainOverTLSOnly = false
	cfg.Supervision.HealthCheckSeconds = 0
	return cfg
}

func testServer(t *testing.T) *Server {
	t.Helper()
	store := storage.NewMemStore()
	store.SetPassword("alice", "s3cr3t")
	store.SetPassword("bob", "hunter2")

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	srv, err := NewServer(testConfig(), store, logger)
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

// testClient drives the client half of a pipe connected to a Session.
type testClient struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
}

// dial starts a supervised session over a pipe and returns the client half.
func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	srv.startSession(serverConn)
	t.Cleanup(func() { _ = clientConn.Close() })
	return &testClient{t: t, conn: clientConn}
}

func (c *testClient) send(s string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(s)); err != nil {
		c.t.Fatalf("writing %q: %v", s, err)
	}
}

// readUntil reads from the connection until the accumulated output contains
// the marker, returning everything read so far.
func (c *testClient) readUntil(marker string) string {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	_ = c.conn.SetReadDeadline(deadline)
	chunk := make([]byte, 4096)
	for {
		if strings.Contains(string(c.buf), marker) {
			out := string(c.buf)
			c.buf = nil
			return out
		}
		if time.Now().After(deadline) {
			c.t.Fatalf("timed out waiting for %q; got %q", marker, c.buf)
		}
		n, err := c.conn.Read(chunk)
		c.buf = append(c.buf, chunk[:n]...)
		if err != nil {
			if strings.Contains(string(c.buf), marker) {
				out := string(c.buf)
				c.buf = nil
				return out
			}
			c.t.Fatalf("reading while waiting for %q: %v (got %q)", marker, err, c.buf)
		}
	}
}

// authenticate performs the header exchange and PLAIN authentication.
func (c *testClient) authenticate(user, b64 string) {
	c.t.Helper()
	c.send(clientHeader)
	features := c.readUntil("</stream:features>")
	if !strings.Contains(features, "<mechanism>PLAIN</mechanism>") {
		c.t.Fatalf("expected PLAIN to be offered: %s", features)
	}
	c.send(`<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>` + b64 + `</auth>`)
	c.readUntil(`<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`)
}

// bind completes negotiation: restart, features, and resource binding.
func (c *testClient) bind(resource string) string {
	c.t.Helper()
	c.send(clientHeader)
	features := c.readUntil("</stream:features>")
	if !strings.Contains(features, `<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/>`) {
		c.t.Fatalf("expected bind feature: %s", features)
	}
	req := `<iq type='set' id='b1'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'>`
	if resource != "" {
		req += `<resource>` + resource + `</resource>`
	}
	req += `</bind></iq>`
	c.send(req)
	return c.readUntil(`</iq>`)
}

func (c *testClient) login(user, pass64, resource string) {
	c.t.Helper()
	c.authenticate(user, pass64)
	c.bind(resource)
}

const (
	aliceAuth = "AGFsaWNlAHMzY3IzdA=="     // \0alice\0s3cr3t
	bobAuth   = "AGJvYgBodW50ZXIy"         // \0bob\0hunter2
	aliceBad  = "AGFsaWNlAHdyb25ncGFzcw==" // \0alice\0wrongpass
)

func TestInitialFeaturesAdvertiseSASL(t *testing.T) {
	c := dial(t, testServer(t))
	c.send(clientHeader)
	out := c.readUntil("</stream:features>")
	if !strings.Contains(out, `<stream:stream from='localhost'`) {
		t.Errorf("missing server header: %s", out)
	}
	if !strings.Contains(out, "<mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'>") {
		t.Errorf("missing SASL mechanisms: %s", out)
	}
	if !strings.Contains(out, "<mechanism>SCRAM-SHA-256</mechanism>") {
		t.Errorf("missing SCRAM-SHA-256: %s", out)
	}
}

func TestStartTLSRequiredAdvertisedFirst(t *testing.T) {
	store := storage.NewMemStore()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := testConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Required = true

	srv, err := NewServer(cfg, store, logger)
	if err != nil {
		t.Fatal(err)
	}
	c := dial(t, srv)
	c.send(clientHeader)
	out := c.readUntil("</stream:features>")
	if !strings.Contains(out, `<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls>`) {
		t.Errorf("missing required starttls: %s", out)
	}
	if strings.Contains(out, "<mechanisms") {
		t.Errorf("SASL must be withheld until the transport is secure: %s", out)
	}
}

func TestPlainAuthAndBind(t *testing.T) {
	srv := testServer(t)
	c := dial(t, srv)
	c.authenticate("alice", aliceAuth)

	reply := c.bind("home")
	const want = `<iq type='result' id='b1'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>alice@localhost/home</jid></bind></iq>`
	if !strings.Contains(reply, want) {
		t.Fatalf("wrong bind result:\nwant=%s\n got=%s", want, reply)
	}

	full, err := jid.Parse("alice@localhost/home")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := srv.Router().Lookup(full); !ok {
		t.Error("bound JID missing from the session index")
	}
}

func TestSASLFailureAllowsRetry(t *testing.T) {
	srv := testServer(t)
	c := dial(t, srv)
	c.send(clientHeader)
	c.readUntil("</stream:features>")

	c.send(`<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>` + aliceBad + `</auth>`)
	failure := c.readUntil("</failure>")
	if !strings.Contains(failure, "<not-authorized/>") {
		t.Fatalf("wrong failure: %s", failure)
	}

	// The stream is still usable for another attempt.
	c.send(`<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>` + aliceAuth + `</auth>`)
	c.readUntil(`<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`)
}

func TestSASLUnknownMechanism(t *testing.T) {
	c := dial(t, testServer(t))
	c.send(clientHeader)
	c.readUntil("</stream:features>")
	c.send(`<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='DIGEST-MD5'></auth>`)
	failure := c.readUntil("</failure>")
	if !strings.Contains(failure, "<invalid-mechanism/>") {
		t.Errorf("wrong failure: %s", failure)
	}
}

func TestMessageRouting(t *testing.T) {
	srv := testServer(t)
	alice := dial(t, srv)
	alice.login("alice", aliceAuth, "home")
	bob := dial(t, srv)
	bob.login("bob", bobAuth, "phone")

	// Bob announces availability so that bare JID routing can pick his
	// resource; the ping reply guarantees the presence has been
	// processed before alice routes to him.
	bob.send(`<presence/>`)
	bob.send(`<iq type='get' id='sync'><ping xmlns='urn:xmpp:ping'/></iq>`)
	bob.readUntil("</iq>")
	alice.send(`<presence/>`)

	alice.send(`<message to='bob@localhost' type='chat' id='m1'><body>hi</body></message>`)
	got := bob.readUntil("</message>")
	if !strings.Contains(got, "<body>hi</body>") {
		t.Errorf("missing body: %s", got)
	}
	if !strings.Contains(got, "from='alice@localhost/home'") {
		t.Errorf("missing stamped from: %s", got)
	}
}

func TestMessageOfflineBounce(t *testing.T) {
	srv := testServer(t)
	alice := dial(t, srv)
	alice.login("alice", aliceAuth, "home")
	alice.send(`<presence/>`)

	alice.send(`<message to='carol@localhost' type='chat' id='m1'><body>hi</body></message>`)
	bounce := alice.readUntil("</message>")
	for _, fragment := range []string{
		"type='error'",
		"to='alice@localhost/home'",
		"from='carol@localhost'",
		"id='m1'",
		`<service-unavailable xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/>`,
	} {
		if !strings.Contains(bounce, fragment) {
			t.Errorf("bounce missing %q: %s", fragment, bounce)
		}
	}
}

func TestServiceIQPing(t *testing.T) {
	srv := testServer(t)
	alice := dial(t, srv)
	alice.login("alice", aliceAuth, "home")

	alice.send(`<iq type='get' id='p1'><ping xmlns='urn:xmpp:ping'/></iq>`)
	reply := alice.readUntil("</iq>")
	if !strings.Contains(reply, "type='result'") || !strings.Contains(reply, "id='p1'") {
		t.Errorf("wrong ping reply: %s", reply)
	}
}

func TestRebindNotAllowed(t *testing.T) {
	srv := testServer(t)
	alice := dial(t, srv)
	alice.login("alice", aliceAuth, "home")

	alice.send(`<iq type='set' id='b2'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><resource>again</resource></bind></iq>`)
	reply := alice.readUntil("</iq>")
	if !strings.Contains(reply, "type='error'") || !strings.Contains(reply, "<not-allowed") {
		t.Errorf("expected not-allowed: %s", reply)
	}
}

func TestStanzaBeforeBindRejected(t *testing.T) {
	srv := testServer(t)
	c := dial(t, srv)
	c.authenticate("alice", aliceAuth)
	c.send(clientHeader)
	c.readUntil("</stream:features>")

	c.send(`<message to='bob@localhost'><body>early</body></message>`)
	out := c.readUntil("</stream:stream>")
	if !strings.Contains(out, `<not-authorized xmlns='urn:ietf:params:xml:ns:xmpp-streams'/>`) {
		t.Errorf("expected not-authorized stream error: %s", out)
	}
}

func TestMalformedXML(t *testing.T) {
	srv := testServer(t)
	c := dial(t, srv)
	c.send(clientHeader)
	c.readUntil("</stream:features>")

	c.send(`<b<ad>`)
	out := c.readUntil("</stream:stream>")
	if !strings.Contains(out, `<stream:error><not-well-formed xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error>`) {
		t.Errorf("expected not-well-formed: %s", out)
	}
}

func TestOversizeStanza(t *testing.T) {
	store := storage.NewMemStore()
	store.SetPassword("alice", "s3cr3t")
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := testConfig()
	cfg.Limits.StanzaBytes = 256

	srv, err := NewServer(cfg, store, logger)
	if err != nil {
		t.Fatal(err)
	}
	alice := dial(t, srv)
	alice.login("alice", aliceAuth, "home")

	alice.send(`<message to='alice@localhost'><body>` + strings.Repeat("a", 1024) + `</body></message>`)
	out := alice.readUntil("</stream:stream>")
	if !strings.Contains(out, `<policy-violation xmlns='urn:ietf:params:xml:ns:xmpp-streams'/>`) {
		t.Errorf("expected policy-violation: %s", out)
	}
}

func TestClientStreamClose(t *testing.T) {
	srv := testServer(t)
	alice := dial(t, srv)
	alice.login("alice", aliceAuth, "home")

	alice.send(`</stream:stream>`)
	alice.readUntil(`</stream:stream>`)

	full, err := jid.Parse("alice@localhost/home")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, ok := srv.Router().Lookup(full)
		return !ok
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

