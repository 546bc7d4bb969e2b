// Package mock provides an in-process, software-only implementation of
// pkg/verbs: every call registers as a success and returns immediately,
// with no real hardware or kernel bypass underneath. Unlike a minimal
// stub that always answers a poll with a single canned completion and
// never actually moves data, this implementation carries real bytes: a
// one-sided write copies straight into the target memory region by rkey,
// and a two-sided send matches against the peer's already-posted (or
// not-yet-posted) receive, since tests need a loopback that behaves like
// the data plane it is standing in for.
package mock

import (
	"context"
	"sync"
	"unsafe"

	"github.com/quartzlink/rmemd/pkg/brokererr"
	"github.com/quartzlink/rmemd/pkg/verbs"
)

// registry is the process-wide table of registered memory regions, keyed
// by rkey, that PostWrite's RDMA-write path resolves against. Real verbs
// resolves a remote key through the HCA; the mock resolves it here.
type registry struct {
	mu  sync.Mutex
	mrs map[uint32]*memoryRegion
}

var global = &registry{mrs: make(map[uint32]*memoryRegion)}

func (r *registry) register(mr *memoryRegion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mrs[mr.rkey] = mr
}

func (r *registry) unregister(rkey uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mrs, rkey)
}

func (r *registry) lookup(rkey uint32) (*memoryRegion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mr, ok := r.mrs[rkey]
	return mr, ok
}

var keyCounter uint32 = 1
var keyMu sync.Mutex

func nextKey() uint32 {
	keyMu.Lock()
	defer keyMu.Unlock()
	keyCounter++
	return keyCounter
}

// qpRegistry is the process-wide table of live queue pairs, keyed by
// QPNum, that the RTR transition resolves DestQPNum against to wire up
// the two-sided SEND/RECV path's peer pointer. Real verbs routes a send
// to its peer through the fabric; the mock resolves it here.
type qpRegistry struct {
	mu  sync.Mutex
	qps map[uint32]*queuePair
}

var qpGlobal = &qpRegistry{qps: make(map[uint32]*queuePair)}

func (r *qpRegistry) register(q *queuePair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qps[q.qpNum] = q
}

func (r *qpRegistry) unregister(qpNum uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.qps, qpNum)
}

func (r *qpRegistry) lookup(qpNum uint32) (*queuePair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.qps[qpNum]
	return q, ok
}

// Device is the mock verbs.Device. A single process may open any number of
// independent devices; they all share the package-level memory region
// registry, the same way every real HCA port on a host shares physical
// memory.
type Device struct {
	name string
}

// NewDevice returns a ready mock device. name is cosmetic, used only in
// logging.
func NewDevice(name string) *Device {
	return &Device{name: name}
}

func (d *Device) QueryPort(_ context.Context, portNum uint8) (verbs.PortAttr, error) {
	return verbs.PortAttr{
		LID:       1,
		GID:       [16]byte{0xfe, 0x80},
		LinkLayer: verbs.LinkLayerEthernet,
	}, nil
}

func (d *Device) AllocPD(_ context.Context) (verbs.ProtectionDomain, error) {
	return &protectionDomain{device: d}, nil
}

func (d *Device) CreateCQ(_ context.Context, cqe int) (verbs.CompletionQueue, error) {
	return &completionQueue{cap: cqe}, nil
}

func (d *Device) Close() error { return nil }

type protectionDomain struct {
	device *Device
}

func (p *protectionDomain) RegisterMR(buf []byte, access verbs.AccessFlags) (verbs.MemoryRegion, error) {
	mr := &memoryRegion{
		buf:    buf,
		lkey:   nextKey(),
		rkey:   nextKey(),
		access: access,
	}
	global.register(mr)
	return mr, nil
}

func (p *protectionDomain) CreateQP(sendCQ, recvCQ verbs.CompletionQueue, maxSendWR, maxRecvWR int) (verbs.QueuePair, error) {
	scq, ok := sendCQ.(*completionQueue)
	if !ok {
		return nil, brokererr.New(brokererr.VerbsSetup, "mock: send CQ not created by this package")
	}
	rcq, ok := recvCQ.(*completionQueue)
	if !ok {
		return nil, brokererr.New(brokererr.VerbsSetup, "mock: recv CQ not created by this package")
	}
	q := &queuePair{
		qpNum:  nextKey() & 0x00FFFFFF,
		state:  verbs.QPStateReset,
		sendCQ: scq,
		recvCQ: rcq,
	}
	qpGlobal.register(q)
	return q, nil
}

func (p *protectionDomain) Close() error { return nil }

type memoryRegion struct {
	buf    []byte
	lkey   uint32
	rkey   uint32
	access verbs.AccessFlags
}

func (m *memoryRegion) LKey() uint32 { return m.lkey }
func (m *memoryRegion) RKey() uint32 { return m.rkey }
func (m *memoryRegion) Addr() uint64 { return addrOf(m.buf) }
func (m *memoryRegion) Close() error {
	global.unregister(m.rkey)
	return nil
}

// addrOf derives a stable, nonzero virtual address for buf's backing
// array. The mock resolves a write's target region by rkey and its
// position within that region by the write's remote address minus this
// base address.
func addrOf(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

type completionQueue struct {
	mu      sync.Mutex
	pending []verbs.WorkCompletion
	cap     int
}

func (c *completionQueue) push(wc verbs.WorkCompletion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, wc)
}

func (c *completionQueue) Poll(wc []verbs.WorkCompletion) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for n < len(wc) && len(c.pending) > 0 {
		wc[n] = c.pending[0]
		c.pending = c.pending[1:]
		n++
	}
	return n, nil
}

func (c *completionQueue) Close() error { return nil }

// pendingRecvEntry is a receive WR waiting for a matching SEND, keyed by
// the wrID the caller will poll for.
type pendingRecvEntry struct {
	wrID uint64
	buf  []byte
}

type queuePair struct {
	mu     sync.Mutex
	qpNum  uint32
	state  verbs.QPState
	sendCQ *completionQueue
	recvCQ *completionQueue
	attr   verbs.QPAttr

	peer *queuePair

	pendingRecv []pendingRecvEntry
	pendingSend [][]byte
}

func (q *queuePair) QPNum() uint32 { return q.qpNum }

func (q *queuePair) ModifyQP(state verbs.QPState, attr verbs.QPAttr) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch state {
	case verbs.QPStateInit, verbs.QPStateRTR, verbs.QPStateRTS:
		q.state = state
		q.attr = attr
		if state == verbs.QPStateRTR {
			if peer, ok := qpGlobal.lookup(attr.DestQPNum); ok {
				q.peer = peer
			}
		}
		return nil
	default:
		return brokererr.New(brokererr.StateTransition, "mock: unsupported qp state transition")
	}
}

// PostSend delivers buf to the peer's oldest pending receive if one is
// already posted, otherwise queues it for the next PostRecv on the peer
// side. Either way it pushes the sender's own signaled completion.
func (q *queuePair) PostSend(wrID uint64, buf []byte, lkey uint32) error {
	q.mu.Lock()
	ready := q.state == verbs.QPStateRTS
	qpNum := q.qpNum
	peer := q.peer
	q.mu.Unlock()
	if !ready {
		return brokererr.New(brokererr.StateTransition, "mock: post_send before RTS")
	}
	if peer == nil {
		return brokererr.New(brokererr.StateTransition, "mock: post_send before peer resolved")
	}

	payload := make([]byte, len(buf))
	copy(payload, buf)

	peer.mu.Lock()
	var deliverTo *pendingRecvEntry
	if len(peer.pendingRecv) > 0 {
		entry := peer.pendingRecv[0]
		peer.pendingRecv = peer.pendingRecv[1:]
		deliverTo = &entry
	} else {
		peer.pendingSend = append(peer.pendingSend, payload)
	}
	peerQPNum := peer.qpNum
	peer.mu.Unlock()

	if deliverTo != nil {
		n := copy(deliverTo.buf, payload)
		peer.recvCQ.push(verbs.WorkCompletion{
			WRID:    deliverTo.wrID,
			Status:  verbs.StatusSuccess,
			Opcode:  verbs.OpcodeRecv,
			ByteLen: uint32(n),
			QPNum:   peerQPNum,
		})
	}

	q.sendCQ.push(verbs.WorkCompletion{
		WRID:    wrID,
		Status:  verbs.StatusSuccess,
		Opcode:  verbs.OpcodeSend,
		ByteLen: uint32(len(buf)),
		QPNum:   qpNum,
	})
	return nil
}

// PostWrite copies buf directly into the registered remote memory region
// named by rkey, at remoteAddr's offset from the region's base, and pushes this side's own signaled completion; it does
// not require or touch any receive posted on the peer.
func (q *queuePair) PostWrite(wrID uint64, buf []byte, lkey uint32, remoteAddr uint64, rkey uint32) error {
	q.mu.Lock()
	ready := q.state == verbs.QPStateRTS
	qpNum := q.qpNum
	q.mu.Unlock()
	if !ready {
		return brokererr.New(brokererr.StateTransition, "mock: post_write before RTS")
	}

	if mr, ok := global.lookup(rkey); ok {
		base := mr.Addr()
		if remoteAddr < base || remoteAddr-base > uint64(len(mr.buf)) {
			return brokererr.New(brokererr.CompletionError, "mock: post_write remote address outside memory region")
		}
		copy(mr.buf[remoteAddr-base:], buf)
	}

	q.sendCQ.push(verbs.WorkCompletion{
		WRID:    wrID,
		Status:  verbs.StatusSuccess,
		Opcode:  verbs.OpcodeRDMAWrite,
		ByteLen: uint32(len(buf)),
		QPNum:   qpNum,
	})
	return nil
}

// PostRecv delivers immediately if a SEND is already queued waiting for a
// receive, otherwise parks buf until a matching PostSend arrives.
func (q *queuePair) PostRecv(wrID uint64, buf []byte, lkey uint32) error {
	q.mu.Lock()
	qpNum := q.qpNum
	var payload []byte
	if len(q.pendingSend) > 0 {
		payload = q.pendingSend[0]
		q.pendingSend = q.pendingSend[1:]
	} else {
		q.pendingRecv = append(q.pendingRecv, pendingRecvEntry{wrID: wrID, buf: buf})
	}
	q.mu.Unlock()

	if payload != nil {
		n := copy(buf, payload)
		q.recvCQ.push(verbs.WorkCompletion{
			WRID:    wrID,
			Status:  verbs.StatusSuccess,
			Opcode:  verbs.OpcodeRecv,
			ByteLen: uint32(n),
			QPNum:   qpNum,
		})
	}
	return nil
}

func (q *queuePair) Close() error {
	qpGlobal.unregister(q.qpNum)
	return nil
}
