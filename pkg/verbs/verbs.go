// Package verbs defines the capability traits through which the bring-up
// and data-plane code in pkg/conn drives a queue pair, without coupling
// directly to any particular verbs backend. The core only ever talks to
// these interfaces; pkg/verbs/mock supplies an in-process software
// implementation, and a future build tag could swap in a cgo binding over
// libibverbs/librdmacm without touching pkg/conn.
package verbs

import "context"

// AccessFlags mirrors the ibv_access_flags bitmask used when registering a
// memory region or negotiating a remote key.
type AccessFlags int

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// LinkLayer distinguishes the addressing mode used to build an address
// handle during RTR transition: Ethernet (RoCE) routes by GID, InfiniBand
// routes by LID.
type LinkLayer int

const (
	LinkLayerInfiniBand LinkLayer = iota
	LinkLayerEthernet
)

// QPState mirrors the ibv_qp_state enum's bring-up-relevant members.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
)

// PortAttr is the subset of ibv_query_port/ibv_query_gid results the
// bring-up state machine needs to build its local Endpoint descriptor.
type PortAttr struct {
	LID       uint16
	GID       [16]byte
	LinkLayer LinkLayer
}

// Device opens queue pairs and memory regions against a single local HCA
// port. Implementations are shared across every connection handled by one
// broker process; callers never mutate fields, only call methods.
type Device interface {
	// QueryPort returns the local port's addressing attributes.
	QueryPort(ctx context.Context, portNum uint8) (PortAttr, error)

	// AllocPD allocates a protection domain. All queue pairs and memory
	// regions used together must share one.
	AllocPD(ctx context.Context) (ProtectionDomain, error)

	// CreateCQ creates a completion queue with capacity for at least cqe
	// entries.
	CreateCQ(ctx context.Context, cqe int) (CompletionQueue, error)

	// Close releases the device context. Callers must first close every
	// queue pair, memory region, and completion queue drawn from it.
	Close() error
}

// ProtectionDomain scopes queue pair and memory region registration.
type ProtectionDomain interface {
	// RegisterMR registers buf for the given access flags, returning the
	// local and remote keys used to address it.
	RegisterMR(buf []byte, access AccessFlags) (MemoryRegion, error)

	// CreateQP creates a reliable-connected queue pair bound to this
	// protection domain and the given send/receive completion queues.
	CreateQP(sendCQ, recvCQ CompletionQueue, maxSendWR, maxRecvWR int) (QueuePair, error)

	Close() error
}

// MemoryRegion is a registered buffer. LKey authorizes local post_send/
// post_recv scatter-gather entries against it; RKey authorizes a remote
// peer's RDMA write into it once handed over via the endpoint descriptor.
type MemoryRegion interface {
	LKey() uint32
	RKey() uint32
	Addr() uint64
	Close() error
}

// CompletionQueue is polled for work completions. The shared device pool
// assigns one of a fixed number of CQs to each connection by round robin;
// multiple queue pairs may therefore share one CQ.
type CompletionQueue interface {
	// Poll drains up to len(wc) completions without blocking, returning the
	// number filled.
	Poll(wc []WorkCompletion) (int, error)
	Close() error
}

// WorkCompletion mirrors the fields of ibv_wc the bring-up and data-plane
// code inspects.
type WorkCompletion struct {
	WRID    uint64
	Status  CompletionStatus
	Opcode  WCOpcode
	ByteLen uint32
	QPNum   uint32
}

type CompletionStatus int

const (
	StatusSuccess CompletionStatus = iota
	StatusError
)

type WCOpcode int

const (
	OpcodeSend WCOpcode = iota
	OpcodeRDMAWrite
	OpcodeRDMARead
	OpcodeRecv
)

// QPAttr carries the fields ModifyQP needs for the INIT, RTR, and RTS
// transitions. Not every field applies to every transition; ModifyQP
// implementations read only what the target state requires.
type QPAttr struct {
	PortNum         uint8
	PKeyIndex       uint16
	AccessFlags     AccessFlags
	PathMTU         int // 1024-byte MTU enum value
	DestQPNum       uint32
	RQPSN           uint32
	MaxDestRDAtomic uint8
	MinRNRTimer     uint8
	DestLID         uint16
	DestGID         [16]byte
	LinkLayer       LinkLayer
	Timeout         uint8
	RetryCount      uint8
	RNRRetry        uint8
	SQPSN           uint32
	MaxRDAtomic     uint8
}

// QueuePair is the data-plane handle used by pkg/conn's bring-up state
// machine and operation primitives.
type QueuePair interface {
	QPNum() uint32

	// ModifyQP transitions the queue pair to state using attr. Bring-up
	// calls this three times, for INIT, RTR, and RTS in order; no other
	// order is meaningful.
	ModifyQP(state QPState, attr QPAttr) error

	// PostSend posts a signaled, two-sided SEND of buf (registered under
	// lkey), tagged with wrID. It is consumed by a receive the peer has
	// already posted; it carries no remote address.
	PostSend(wrID uint64, buf []byte, lkey uint32) error

	// PostWrite posts a signaled, one-sided RDMA write of buf (registered
	// under lkey) into the peer's remoteAddr/rkey, tagged with wrID. It
	// does not require the peer to have posted a matching receive.
	PostWrite(wrID uint64, buf []byte, lkey uint32, remoteAddr uint64, rkey uint32) error

	// PostRecv posts a receive buffer tagged with wrID for the next
	// inbound two-sided SEND.
	PostRecv(wrID uint64, buf []byte, lkey uint32) error

	Close() error
}
