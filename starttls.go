// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"mellium.im/xmppd/internal/ns"
)

// ErrTLSUpgradeFailed is logged when the TLS handshake after <starttls/>
// does not complete. Per RFC 6120 §5.4.2.2 the connection is closed without
// any further XML output.
var ErrTLSUpgradeFailed = errors.New("xmppd: TLS handshake failed")

// StartTLS returns the STARTTLS stream feature. If required is true the
// feature is advertised with a <required/> child and the SASL feature is
// withheld until the transport is secured (see Server.features).
func StartTLS(required bool, config *tls.Config) StreamFeature {
	return StreamFeature{
		Name:       xml.Name{Space: ns.StartTLS, Local: "starttls"},
		Handles:    xml.Name{Space: ns.StartTLS, Local: "starttls"},
		Prohibited: Secure | Authn,
		List: func(_ context.Context, w io.Writer, _ *Session) (bool, error) {
			if required {
				_, err := fmt.Fprintf(w, `<starttls xmlns='%s'><required/></starttls>`, ns.StartTLS)
				return true, err
			}
			_, err := fmt.Fprintf(w, `<starttls xmlns='%s'/>`, ns.StartTLS)
			return false, err
		},
		Negotiate: func(ctx context.Context, s *Session, start xml.StartElement) (SessionState, io.ReadWriter, error) {
			// Consume the rest of the (empty) starttls element.
			if err := s.skip(&start); err != nil {
				return 0, nil, err
			}

			if _, err := fmt.Fprintf(s.conn, `<proceed xmlns='%s'/>`, ns.StartTLS); err != nil {
				return 0, nil, err
			}

			tlsConn := tls.Server(s.conn.rwc, config)
			if err := handshake(ctx, tlsConn); err != nil {
				// No XML after a failed handshake; the transport is in
				// an undefined state.
				s.logger.WithError(err).Info("tls handshake failed")
				_ = s.conn.Close()
				return 0, nil, errors.WithMessage(ErrTLSUpgradeFailed, err.Error())
			}
			s.conn.upgrade(tlsConn)
			return Secure, s.conn, nil
		},
	}
}

func handshake(ctx context.Context, conn *tls.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(noDeadline)
	}
	return conn.Handshake()
}
