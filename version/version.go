// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package version implements XEP-0092: Software Version for the server side.
package version // import "mellium.im/xmppd/version"

import (
	"bytes"
	"encoding/xml"
	"io"
	"runtime"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stanza"
)

// NS is the namespace of the version query payload.
const NS = ns.Version

// Handler answers software version queries addressed to the server.
type Handler struct {
	// Name is the natural language name of the server software.
	Name string

	// Version is the released version of the server software.
	Version string

	// OS is the operating system the server is running on. If empty,
	// runtime.GOOS is reported.
	OS string
}

// HandleIQ implements mux.IQHandler.
func (h Handler) HandleIQ(w io.Writer, iq stanza.IQ) error {
	if iq.Type != stanza.GetIQ {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented}
	}
	osName := h.OS
	if osName == "" {
		osName = runtime.GOOS
	}

	var buf bytes.Buffer
	buf.WriteString(`<query xmlns='` + NS + `'>`)
	writeTextElement(&buf, "name", h.Name)
	writeTextElement(&buf, "version", h.Version)
	writeTextElement(&buf, "os", osName)
	buf.WriteString(`</query>`)
	return iq.ResultPayload(w, buf.Bytes())
}

func writeTextElement(buf *bytes.Buffer, local, cdata string) {
	buf.WriteString(`<` + local + `>`)
	// The values come from the config file and may contain markup.
	_ = xml.EscapeText(buf, []byte(cdata))
	buf.WriteString(`</` + local + `>`)
}
