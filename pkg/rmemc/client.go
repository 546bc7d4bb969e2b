// Package rmemc provides the client side of a connection bring-up, for
// tests and tools exercising a broker. It is a library, not a CLI.
package rmemc

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/quartzlink/rmemd/pkg/conn"
	"github.com/quartzlink/rmemd/pkg/resources"
)

// ProtocolVersion is the greeting version this client advertises.
const ProtocolVersion = "1.0.0"

// Options configures Dial.
type Options struct {
	PortNum          uint8
	AllowRemoteWrite bool
}

// Dial opens a TLS connection to addr, performs the protocol-version
// greeting, and brings up a data-plane connection against shared — reading
// the endpoint descriptor before writing this client's own, the mirror
// image of the server's exchange order.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, log zerolog.Logger, shared *resources.Shared, opts Options) (*conn.Conn, error) {
	var d tls.Dialer
	d.Config = tlsConfig
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := greet(nc); err != nil {
		nc.Close()
		return nil, err
	}

	c, err := conn.BringUp(ctx, xid.New(), log, nc, shared, conn.Options{
		Side:             conn.ClientSide,
		PortNum:          opts.PortNum,
		AllowRemoteWrite: opts.AllowRemoteWrite,
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// greet sends the one-line protocol greeting and reads the server's echo,
// byte-at-a-time so nothing buffered here is lost to the PSN exchange that
// immediately follows on the same connection.
func greet(rw io.ReadWriter) error {
	line := "rmemd/" + ProtocolVersion + "\n"
	if _, err := io.WriteString(rw, line); err != nil {
		return fmt.Errorf("write protocol greeting: %w", err)
	}

	var buf [1]byte
	var ack []byte
	for len(ack) < 64 {
		if _, err := io.ReadFull(rw, buf[:]); err != nil {
			return fmt.Errorf("read protocol greeting ack: %w", err)
		}
		if buf[0] == '\n' {
			break
		}
		ack = append(ack, buf[0])
	}
	if !strings.HasPrefix(string(ack), "rmemd/") {
		return fmt.Errorf("malformed protocol greeting ack %q", ack)
	}
	return nil
}
