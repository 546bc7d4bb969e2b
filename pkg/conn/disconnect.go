package conn

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/quartzlink/rmemd/pkg/brokererr"
)

// Disconnect protocol messages. They travel as newline-terminated lines
// on the same TLS control channel used for the PSN and endpoint
// exchange, sent only after bring-up has completed.
const (
	msgDisconnectReq = "$$DISCONNECT_REQ$$"
	msgDisconnectAck = "$$DISCONNECT_ACK$$"
	msgDisconnectFin = "$$DISCONNECT_FIN$$"
)

const (
	disconnectTimeoutClient = 5 * time.Second
	disconnectTimeoutServer = 3 * time.Second
)

func (c *Conn) reader() *bufio.Reader {
	if c.ctrlR == nil {
		c.ctrlR = bufio.NewReader(c.ctrl)
	}
	return c.ctrlR
}

func writeLine(w io.Writer, msg string) error {
	_, err := w.Write([]byte(msg + "\n"))
	if err != nil {
		return brokererr.Wrap(brokererr.ProtocolError, "write disconnect message", err)
	}
	return nil
}

// readLine reads one newline-terminated line, respecting only ctx
// cancellation (no per-call timeout) — used while waiting for the
// handshake to start, before any disconnect timer is armed.
func readLine(ctx context.Context, r *bufio.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		done <- result{line, err}
	}()

	select {
	case <-ctx.Done():
		return "", brokererr.Wrap(brokererr.ProtocolError, "disconnect handshake canceled", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return "", brokererr.Wrap(brokererr.ProtocolError, "read disconnect message", res.err)
		}
		return trimNewline(res.line), nil
	}
}

// readLineWithDeadline reads one newline-terminated line, failing if
// neither ctx is canceled nor a line arrives within timeout — used once
// the handshake's timer has started, armed after REQ is sent or ACK is
// received.
func readLineWithDeadline(ctx context.Context, r *bufio.Reader, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	line, err := readLine(ctx, r)
	if err != nil {
		return "", brokererr.Wrap(brokererr.ProtocolError, "disconnect handshake timed out", err)
	}
	return line, nil
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	return s
}

// InitiateDisconnect runs the client side of the graceful handshake: send
// REQ, wait up to 5s for ACK, then send FIN.
func (c *Conn) InitiateDisconnect(ctx context.Context) error {
	c.setState(StateClosing)
	if err := writeLine(c.ctrl, msgDisconnectReq); err != nil {
		return err
	}
	ack, err := readLineWithDeadline(ctx, c.reader(), disconnectTimeoutClient)
	if err != nil {
		return err
	}
	if ack != msgDisconnectAck {
		return brokererr.New(brokererr.ProtocolError, "expected disconnect ack, got: "+ack)
	}
	return writeLine(c.ctrl, msgDisconnectFin)
}

// AwaitDisconnect runs the server side: wait for REQ, send ACK, then wait
// up to 3s for FIN.
func (c *Conn) AwaitDisconnect(ctx context.Context) error {
	req, err := readLine(ctx, c.reader())
	if err != nil {
		return err
	}
	if req != msgDisconnectReq {
		return brokererr.New(brokererr.ProtocolError, "expected disconnect req, got: "+req)
	}
	c.setState(StateClosing)
	if err := writeLine(c.ctrl, msgDisconnectAck); err != nil {
		return err
	}
	fin, err := readLineWithDeadline(ctx, c.reader(), disconnectTimeoutServer)
	if err != nil {
		return err
	}
	if fin != msgDisconnectFin {
		return brokererr.New(brokererr.ProtocolError, "expected disconnect fin, got: "+fin)
	}
	return nil
}
