// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream_test

import (
	"context"
	"encoding/xml"
	"errors"
	"strconv"
	"strings"
	"testing"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stream"
)

func TestSendHeader(t *testing.T) {
	var buf strings.Builder
	var info stream.Info
	err := stream.Send(&buf, &info, jid.MustParse("localhost"), jid.JID{}, "en", "abc123abc123abc1")
	if err != nil {
		t.Fatal(err)
	}
	const want = `<?xml version='1.0'?><stream:stream from='localhost' id='abc123abc123abc1' version='1.0' xml:lang='en' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`
	if buf.String() != want {
		t.Errorf("wrong header:\nwant=%s\n got=%s", want, buf.String())
	}
	if info.ID != "abc123abc123abc1" {
		t.Errorf("wrong info id: %q", info.ID)
	}
}

var expectTestCases = [...]struct {
	in   string
	err  error
	to   string
	lang string
}{
	0: {
		in: `<?xml version='1.0'?><stream:stream to='localhost' version='1.0' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`,
		to: "localhost",
	},
	1: {
		in:   `<stream:stream to='localhost' version='1.0' xml:lang='de' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`,
		to:   "localhost",
		lang: "de",
	},
	2: {
		in:  `<stream:stream to='localhost' version='0.9' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`,
		err: stream.UnsupportedVersion,
	},
	3: {
		in:  `<stream:stream to='localhost' version='1.0' xmlns='jabber:badns' xmlns:stream='http://etherx.jabber.org/streams'>`,
		err: stream.InvalidNamespace,
	},
	4: {
		in:  `<stream:stream to='localhost' version='1.0' xmlns='jabber:client' xmlns:stream='http://example.com/notstreams'>`,
		err: stream.InvalidNamespace,
	},
	5: {
		in:  `<message/>`,
		err: stream.BadFormat,
	},
}

func TestExpect(t *testing.T) {
	for i, tc := range expectTestCases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			d := xml.NewDecoder(strings.NewReader(tc.in))
			var info stream.Info
			err := stream.Expect(context.Background(), d, &info)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("wrong error: want=%v, got=%v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if info.To.String() != tc.to {
				t.Errorf("wrong to: want=%q, got=%q", tc.to, info.To)
			}
			if info.Lang != tc.lang {
				t.Errorf("wrong lang: want=%q, got=%q", tc.lang, info.Lang)
			}
		})
	}
}

func TestErrorWriteXML(t *testing.T) {
	var buf strings.Builder
	if _, err := stream.NotWellFormed.WriteXML(&buf); err != nil {
		t.Fatal(err)
	}
	const want = `<stream:error><not-well-formed xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error>`
	if buf.String() != want {
		t.Errorf("wrong output:\nwant=%s\n got=%s", want, buf.String())
	}

	buf.Reset()
	se := stream.Error{Err: "policy-violation", Text: "stanza too large"}
	if _, err := se.WriteXML(&buf); err != nil {
		t.Fatal(err)
	}
	const wantText = `<stream:error><policy-violation xmlns='urn:ietf:params:xml:ns:xmpp-streams'/><text xmlns='urn:ietf:params:xml:ns:xmpp-streams'>stanza too large</text></stream:error>`
	if buf.String() != wantText {
		t.Errorf("wrong output:\nwant=%s\n got=%s", wantText, buf.String())
	}
}

func TestVersionParse(t *testing.T) {
	v, err := stream.ParseVersion("1.0")
	if err != nil {
		t.Fatal(err)
	}
	if v != stream.DefaultVersion {
		t.Errorf("wrong version: %v", v)
	}
	for _, bad := range []string{"", "1", ".1", "1.", "a.b"} {
		if _, err := stream.ParseVersion(bad); err == nil {
			t.Errorf("expected error parsing %q", bad)
		}
	}
}
