package conn

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/quartzlink/rmemd/pkg/brokererr"
	"github.com/quartzlink/rmemd/pkg/psn"
	"github.com/quartzlink/rmemd/pkg/resources"
	"github.com/quartzlink/rmemd/pkg/verbs"
	"github.com/quartzlink/rmemd/pkg/wire"
)

// pathMTU1024 is the IBV_MTU_1024 enum value path_mtu is pinned to during
// the RTR transition.
const pathMTU1024 = 3

// Conn is one bring-up-complete (or still bringing up) connection. State
// and Stats are safe for concurrent use. Send and Write share one send
// buffer without locking it, so they must not run concurrently with each
// other on the same Conn; the bring-up sequence itself is not meant to run
// concurrently with other methods on the same Conn.
type Conn struct {
	ID  xid.ID
	log zerolog.Logger

	ctrl  io.ReadWriter
	ctrlR *bufio.Reader // populated lazily, only for the disconnect handshake

	shared *resources.Shared
	qp     verbs.QueuePair
	cq     verbs.CompletionQueue

	localPSN, remotePSN uint32
	localEP, remoteEP   wire.Endpoint

	sendBuf   []byte
	sendBufID int
	sendMR    verbs.MemoryRegion
	recvBuf   []byte
	recvBufID int
	recvMR    verbs.MemoryRegion

	allowRemoteWrite bool

	mu    sync.Mutex
	state State
	stats Stats
}

// redactPSN returns a short hash of a PSN value suitable for log lines.
// Logging the PSN itself would hand an attacker reading broker logs the
// very secret the two-plane design exists to keep off the wire; the hash
// still lets an operator correlate repeated log lines for the same value.
func redactPSN(v uint32) string {
	var buf [4]byte
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
	h := xxhash.Checksum32(buf[:])
	return hex32(h)
}

func hex32(v uint32) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

// Side picks the PSN/endpoint exchange ordering: server reads the peer's
// PSN then writes its own, and writes its endpoint descriptor before
// reading the peer's; client does the mirror image, avoiding a write-write
// deadlock on the shared duplex stream.
type Side int

const (
	ServerSide Side = iota
	ClientSide
)

// Options configures a bring-up call.
type Options struct {
	Side             Side
	PortNum          uint8
	AllowRemoteWrite bool
}

// BringUp drives ctrl and shared through the full sequence: PSN exchange,
// buffer/QP allocation, endpoint exchange, and the INIT/RTR/RTS
// transitions. On success the returned Conn is in StateConnected.
func BringUp(ctx context.Context, id xid.ID, log zerolog.Logger, ctrl io.ReadWriter, shared *resources.Shared, opts Options) (*Conn, error) {
	c := &Conn{
		ID:               id,
		log:              log.With().Str("conn_id", id.String()).Logger(),
		ctrl:             ctrl,
		shared:           shared,
		allowRemoteWrite: opts.AllowRemoteWrite,
		state:            StatePSNExchange,
	}

	localPSN, err := psn.Generate(c.log)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.RandomFailure, "generate local psn", err)
	}
	c.localPSN = localPSN

	var remotePSN uint32
	switch opts.Side {
	case ServerSide:
		remotePSN, err = wire.ExchangePSNServer(ctrl, localPSN)
	default:
		remotePSN, err = wire.ExchangePSNClient(ctrl, localPSN)
	}
	if err != nil {
		return nil, brokererr.Wrap(brokererr.ProtocolError, "psn exchange", err)
	}
	c.remotePSN = remotePSN
	c.log.Debug().Str("local_psn", redactPSN(localPSN)).Str("remote_psn", redactPSN(remotePSN)).Msg("psn exchange complete")

	c.setState(StateRDMASetup)
	if err := c.setupRDMA(opts); err != nil {
		return nil, err
	}

	var remoteEP wire.Endpoint
	switch opts.Side {
	case ServerSide:
		remoteEP, err = wire.ExchangeEndpointServer(ctrl, c.localEP)
	default:
		remoteEP, err = wire.ExchangeEndpointClient(ctrl, c.localEP)
	}
	if err != nil {
		return nil, brokererr.Wrap(brokererr.ProtocolError, "endpoint exchange", err)
	}
	c.remoteEP = remoteEP

	if err := c.transitionQP(opts); err != nil {
		return nil, err
	}

	c.setState(StateConnected)
	c.mu.Lock()
	c.stats.ConnectedAt = nowFunc()
	c.mu.Unlock()
	c.log.Info().Uint32("local_qp", c.localEP.QPNum).Uint32("remote_qp", remoteEP.QPNum).Msg("connection established")
	return c, nil
}

func (c *Conn) setupRDMA(opts Options) error {
	cq := c.shared.NextCQ()
	qp, err := c.shared.PD.CreateQP(cq, cq, 16, 16)
	if err != nil {
		return brokererr.Wrap(brokererr.VerbsSetup, "create queue pair", err)
	}
	c.qp = qp
	c.cq = cq

	sendBuf, sendID, sendMR, err := c.shared.Buffers.Alloc()
	if err != nil {
		qp.Close()
		return brokererr.Wrap(brokererr.PoolExhausted, "allocate send buffer", err)
	}
	recvBuf, recvID, recvMR, err := c.shared.Buffers.Alloc()
	if err != nil {
		c.shared.Buffers.Free(sendID)
		qp.Close()
		return brokererr.Wrap(brokererr.PoolExhausted, "allocate recv buffer", err)
	}

	c.sendBuf, c.sendBufID, c.sendMR = sendBuf, sendID, sendMR
	c.recvBuf, c.recvBufID, c.recvMR = recvBuf, recvID, recvMR

	// The buffer pool registers one memory region spanning every buffer it
	// owns; a connection's own recv buffer sits at a byte offset within
	// that region, so the address a peer must target is the region's base
	// plus this connection's slot offset, not the region's base alone.
	remoteAddr := recvMR.Addr() + uint64(recvID*resources.BufferSize)

	c.localEP = wire.Endpoint{
		QPNum:      qp.QPNum(),
		LID:        c.shared.Port.LID,
		GID:        c.shared.Port.GID,
		PSN:        c.localPSN,
		RKey:       recvMR.RKey(),
		RemoteAddr: remoteAddr,
	}
	return nil
}

func (c *Conn) transitionQP(opts Options) error {
	access := verbs.AccessLocalWrite | verbs.AccessRemoteRead
	if c.allowRemoteWrite {
		access |= verbs.AccessRemoteWrite
	}

	if err := c.qp.ModifyQP(verbs.QPStateInit, verbs.QPAttr{
		PortNum:     opts.PortNum,
		PKeyIndex:   0,
		AccessFlags: access,
	}); err != nil {
		return brokererr.Wrap(brokererr.StateTransition, "modify qp to init", err)
	}

	if err := c.qp.ModifyQP(verbs.QPStateRTR, verbs.QPAttr{
		PathMTU:         pathMTU1024,
		DestQPNum:       c.remoteEP.QPNum,
		RQPSN:           c.remotePSN, // remote's PSN, never ours
		MaxDestRDAtomic: 1,
		MinRNRTimer:     12,
		DestLID:         c.remoteEP.LID,
		DestGID:         c.remoteEP.GID,
		LinkLayer:       c.shared.Port.LinkLayer,
		PortNum:         opts.PortNum,
	}); err != nil {
		return brokererr.Wrap(brokererr.StateTransition, "modify qp to rtr", err)
	}

	if err := c.qp.ModifyQP(verbs.QPStateRTS, verbs.QPAttr{
		Timeout:     14,
		RetryCount:  7,
		RNRRetry:    7,
		SQPSN:       c.localPSN, // our PSN, never remote's
		MaxRDAtomic: 1,
	}); err != nil {
		return brokererr.Wrap(brokererr.StateTransition, "modify qp to rts", err)
	}
	return nil
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the connection's current bring-up/lifecycle phase.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the connection's counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// LocalEndpoint and RemoteEndpoint expose the descriptors exchanged during
// bring-up, mainly for logging and the closure log.
func (c *Conn) LocalEndpoint() wire.Endpoint  { return c.localEP }
func (c *Conn) RemoteEndpoint() wire.Endpoint { return c.remoteEP }

// Close releases the connection's queue pair and buffers. It does not
// perform the graceful disconnect handshake; call InitiateDisconnect or
// AwaitDisconnect first if that's wanted.
func (c *Conn) Close() error {
	c.setState(StateClosed)
	c.mu.Lock()
	c.stats.ClosedAt = nowFunc()
	c.mu.Unlock()

	var firstErr error
	if c.qp != nil {
		if err := c.qp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.shared != nil {
		c.shared.Buffers.Free(c.sendBufID)
		c.shared.Buffers.Free(c.recvBufID)
	}
	return firstErr
}

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = time.Now
