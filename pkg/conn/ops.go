package conn

import (
	"context"
	"sync"
	"time"

	"github.com/quartzlink/rmemd/pkg/brokererr"
	"github.com/quartzlink/rmemd/pkg/verbs"
)

// pollInterval is the busy-wait sleep between poll_cq attempts.
const pollInterval = time.Millisecond

// Send copies data into the connection's send buffer and issues a
// signaled, two-sided SEND, consumed by a receive the peer has already
// posted. It blocks until the local completion arrives or ctx is done.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if len(data) > len(c.sendBuf) {
		return brokererr.New(brokererr.ProtocolError, "send exceeds buffer size")
	}
	n := copy(c.sendBuf, data)

	wrID := nextWRID()
	if err := c.qp.PostSend(wrID, c.sendBuf[:n], c.sendMR.LKey()); err != nil {
		return brokererr.Wrap(brokererr.CompletionError, "post_send", err)
	}

	wc, err := c.pollFor(ctx, wrID)
	if err != nil {
		return err
	}
	if wc.Status != verbs.StatusSuccess {
		return brokererr.New(brokererr.CompletionError, "send completed with error status")
	}

	c.mu.Lock()
	c.stats.MessagesSent++
	c.stats.BytesSent += uint64(n)
	c.mu.Unlock()
	return nil
}

// Write copies data into the connection's send buffer and issues a
// one-sided RDMA write into the peer's registered receive region. It
// blocks until the local completion arrives or ctx is done.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if len(data) > len(c.sendBuf) {
		return brokererr.New(brokererr.ProtocolError, "write exceeds buffer size")
	}
	n := copy(c.sendBuf, data)

	wrID := nextWRID()
	if err := c.qp.PostWrite(wrID, c.sendBuf[:n], c.sendMR.LKey(), c.remoteEP.RemoteAddr, c.remoteEP.RKey); err != nil {
		return brokererr.Wrap(brokererr.CompletionError, "post_write", err)
	}

	wc, err := c.pollFor(ctx, wrID)
	if err != nil {
		return err
	}
	if wc.Status != verbs.StatusSuccess {
		return brokererr.New(brokererr.CompletionError, "rdma write completed with error status")
	}

	c.mu.Lock()
	c.stats.MessagesSent++
	c.stats.BytesSent += uint64(n)
	c.mu.Unlock()
	return nil
}

// PostRecv posts the connection's receive buffer, tagged with a fresh
// work-request id, for the next inbound two-sided send. The caller is
// responsible for posting one receive per expected inbound message.
func (c *Conn) PostRecv() (wrID uint64, err error) {
	wrID = nextWRID()
	if err := c.qp.PostRecv(wrID, c.recvBuf, c.recvMR.LKey()); err != nil {
		return 0, brokererr.Wrap(brokererr.CompletionError, "post_recv", err)
	}
	return wrID, nil
}

// PollRecv busy-waits, sleeping pollInterval between poll_cq attempts,
// until the receive posted as wrID completes or ctx is done, then returns
// a copy of the bytes delivered (safe to keep after the receive buffer is
// reused by a subsequent PostRecv).
func (c *Conn) PollRecv(ctx context.Context, wrID uint64) ([]byte, error) {
	wc, err := c.pollFor(ctx, wrID)
	if err != nil {
		return nil, err
	}
	if wc.Status != verbs.StatusSuccess {
		return nil, brokererr.New(brokererr.CompletionError, "recv completed with error status")
	}
	data := make([]byte, wc.ByteLen)
	copy(data, c.recvBuf[:wc.ByteLen])
	return data, nil
}

func (c *Conn) pollFor(ctx context.Context, wrID uint64) (verbs.WorkCompletion, error) {
	buf := make([]verbs.WorkCompletion, 8)
	for {
		select {
		case <-ctx.Done():
			return verbs.WorkCompletion{}, brokererr.Wrap(brokererr.CompletionError, "poll cancelled", ctx.Err())
		default:
		}

		n, err := c.cq.Poll(buf)
		if err != nil {
			return verbs.WorkCompletion{}, brokererr.Wrap(brokererr.CompletionError, "poll_cq", err)
		}
		for i := 0; i < n; i++ {
			if buf[i].WRID == wrID {
				if buf[i].Opcode == verbs.OpcodeRecv {
					c.mu.Lock()
					c.stats.MessagesReceived++
					c.stats.BytesReceived += uint64(buf[i].ByteLen)
					c.mu.Unlock()
				}
				return buf[i], nil
			}
		}

		select {
		case <-ctx.Done():
			return verbs.WorkCompletion{}, brokererr.Wrap(brokererr.CompletionError, "poll cancelled", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

var (
	wrIDMu   sync.Mutex
	wrIDNext uint64
)

// nextWRID hands out a monotonically increasing work-request id, process
// wide, so log lines correlating a post with its completion stay
// unambiguous across every connection sharing the broker's CQ pool.
func nextWRID() uint64 {
	wrIDMu.Lock()
	defer wrIDMu.Unlock()
	wrIDNext++
	return wrIDNext
}
