// Package tlsupgrade implements the handshake step of the STARTTLS
// in-place transport swap: it hands the same fd to crypto/tls once
// the caller has acknowledged on the cleartext wire and flushed that
// acknowledgement; resuming protocol processing over the result is
// also left to the caller.
//
// Grounded on the teacher's own use of crypto/tls.Dial /
// tls.Listen (imap/connection.go's ReliableConnect, server/server.go)
// for constructing TLS connections around a plain net.Conn; the
// upgrade choreography itself (flush-then-handshake) has no teacher
// analogue since the teacher never upgrades a connection mid-stream,
// so it is new code written in the teacher's idiom of returning a
// wrapped error on every fallible step.
package tlsupgrade

import (
	"crypto/tls"
	"fmt"
	"net"
)

// Upgrade performs the TLS server handshake on conn using cfg and
// returns the resulting *tls.Conn. The caller is responsible for
// everything the specification requires before calling Upgrade:
// emitting the tagged OK and waiting for it to flush. Upgrade itself
// only covers steps 3-4 of the procedure (detachment is implicit in
// Go - the old goroutine simply stops reading the cleartext conn -
// and construction of the encrypted side).
func Upgrade(conn net.Conn, cfg *tls.Config) (*tls.Conn, error) {

	tlsConn := tls.Server(conn, cfg)

	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("tlsupgrade: TLS handshake failed: %w", err)
	}

	return tlsConn, nil
}
