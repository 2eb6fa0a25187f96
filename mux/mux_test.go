// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package mux_test

import (
	"encoding/xml"
	"errors"
	"strings"
	"testing"

	"mellium.im/xmppd/disco"
	"mellium.im/xmppd/mux"
	"mellium.im/xmppd/ping"
	"mellium.im/xmppd/roster"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/version"
)

func newMux() *mux.ServeMux {
	return mux.New(
		mux.IQ(ping.NS, ping.Handler{}),
		mux.IQ(version.NS, version.Handler{Name: "xmppd", Version: "0.1.0", OS: "linux"}),
		mux.IQ(disco.NSInfo, disco.InfoHandler{Features: []string{ping.NS, version.NS}}),
		mux.IQ(disco.NSItems, disco.ItemsHandler{}),
		mux.IQ(roster.NS, roster.Handler{}),
	)
}

func decodeIQ(t *testing.T, s string) stanza.IQ {
	t.Helper()
	var iq stanza.IQ
	if err := xml.Unmarshal([]byte(s), &iq); err != nil {
		t.Fatalf("decoding %q: %v", s, err)
	}
	return iq
}

func serve(t *testing.T, in string) (string, error) {
	t.Helper()
	var out strings.Builder
	err := newMux().ServeIQ(&out, decodeIQ(t, in))
	return out.String(), err
}

func TestPing(t *testing.T) {
	out, err := serve(t, `<iq type='get' id='p1' to='localhost'><ping xmlns='urn:xmpp:ping'/></iq>`)
	if err != nil {
		t.Fatal(err)
	}
	const want = `<iq type='result' from='localhost' id='p1'></iq>`
	if out != want {
		t.Errorf("wrong reply:\nwant=%s\n got=%s", want, out)
	}
}

func TestVersion(t *testing.T) {
	out, err := serve(t, `<iq type='get' id='v1'><query xmlns='jabber:iq:version'/></iq>`)
	if err != nil {
		t.Fatal(err)
	}
	for _, fragment := range []string{"<name>xmppd</name>", "<version>0.1.0</version>", "<os>linux</os>", "jabber:iq:version"} {
		if !strings.Contains(out, fragment) {
			t.Errorf("reply missing %q: %s", fragment, out)
		}
	}
}

func TestDiscoInfo(t *testing.T) {
	out, err := serve(t, `<iq type='get' id='d1'><query xmlns='http://jabber.org/protocol/disco#info'/></iq>`)
	if err != nil {
		t.Fatal(err)
	}
	for _, fragment := range []string{
		`<identity category='server' type='im'/>`,
		`<feature var='urn:xmpp:ping'/>`,
		`<feature var='jabber:iq:version'/>`,
	} {
		if !strings.Contains(out, fragment) {
			t.Errorf("reply missing %q: %s", fragment, out)
		}
	}
}

func TestDiscoItemsEmpty(t *testing.T) {
	out, err := serve(t, `<iq type='get' id='d2'><query xmlns='http://jabber.org/protocol/disco#items'/></iq>`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `<query xmlns='http://jabber.org/protocol/disco#items'/>`) {
		t.Errorf("expected empty items query: %s", out)
	}
}

func TestRosterStub(t *testing.T) {
	out, err := serve(t, `<iq type='get' id='r1'><query xmlns='jabber:iq:roster'/></iq>`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `<query xmlns='jabber:iq:roster'/>`) {
		t.Errorf("expected empty roster: %s", out)
	}

	_, err = serve(t, `<iq type='set' id='r2'><query xmlns='jabber:iq:roster'><item jid='x@y'/></query></iq>`)
	if !errors.Is(err, stanza.Error{Condition: stanza.FeatureNotImplemented}) {
		t.Errorf("wrong error: %v", err)
	}
}

func TestMissingID(t *testing.T) {
	_, err := serve(t, `<iq type='get'><ping xmlns='urn:xmpp:ping'/></iq>`)
	if !errors.Is(err, stanza.Error{Condition: stanza.BadRequest}) {
		t.Errorf("wrong error: %v", err)
	}
}

func TestUnknownNamespace(t *testing.T) {
	_, err := serve(t, `<iq type='get' id='u1'><query xmlns='jabber:iq:private'/></iq>`)
	if !errors.Is(err, stanza.Error{Condition: stanza.FeatureNotImplemented}) {
		t.Errorf("wrong error: %v", err)
	}
}

func TestChildlessRequest(t *testing.T) {
	_, err := serve(t, `<iq type='get' id='c1'></iq>`)
	if !errors.Is(err, stanza.Error{Condition: stanza.FeatureNotImplemented}) {
		t.Errorf("wrong error: %v", err)
	}
}
