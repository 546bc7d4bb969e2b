// Package resources manages the verbs resources shared by every connection
// a broker process handles: one device context, one protection domain, a
// small pool of completion queues assigned round robin, and a slab buffer
// pool sized for two buffers per client slot. A single PD and a handful of
// CQs serve thousands of connections rather than one of each per client.
package resources

import (
	"context"
	"sync"

	"github.com/quartzlink/rmemd/pkg/brokererr"
	"github.com/quartzlink/rmemd/pkg/verbs"
)

// BufferSize is the size, in bytes, of each send or receive buffer handed
// to a connection.
const BufferSize = 4096

// Shared holds the verbs resources common to every connection handled by
// one broker process.
type Shared struct {
	Device verbs.Device
	PD     verbs.ProtectionDomain
	Port   verbs.PortAttr

	cqs    []verbs.CompletionQueue
	nextCQ uint64 // atomic-free counter guarded by cqMu
	cqMu   sync.Mutex

	Buffers *BufferPool
}

// Open brings up the shared device/PD/CQ pool and buffer pool for a broker
// configured for maxClients concurrent connections and numCQs completion
// queues (at least one; smaller values are raised to 1).
func Open(ctx context.Context, dev verbs.Device, portNum uint8, numCQs, maxClients int) (*Shared, error) {
	port, err := dev.QueryPort(ctx, portNum)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.VerbsSetup, "query port", err)
	}

	pd, err := dev.AllocPD(ctx)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.VerbsSetup, "alloc protection domain", err)
	}

	if numCQs < 1 {
		numCQs = 1
	}
	cqDepth := maxClients/numCQs + 1
	cqs := make([]verbs.CompletionQueue, numCQs)
	for i := 0; i < numCQs; i++ {
		cq, err := dev.CreateCQ(ctx, cqDepth)
		if err != nil {
			return nil, brokererr.Wrap(brokererr.VerbsSetup, "create completion queue", err)
		}
		cqs[i] = cq
	}

	bufs, err := NewBufferPool(pd, 2*maxClients)
	if err != nil {
		return nil, err
	}

	return &Shared{
		Device:  dev,
		PD:      pd,
		Port:    port,
		cqs:     cqs,
		Buffers: bufs,
	}, nil
}

// NextCQ returns the next completion queue in round-robin order, an
// "i mod num_cqs" assignment for binding a new queue pair to a shared CQ.
func (s *Shared) NextCQ() verbs.CompletionQueue {
	s.cqMu.Lock()
	defer s.cqMu.Unlock()
	cq := s.cqs[s.nextCQ%uint64(len(s.cqs))]
	s.nextCQ++
	return cq
}

// Close tears down every shared resource. Callers must ensure no
// connection still references them.
func (s *Shared) Close() error {
	var firstErr error
	if err := s.Buffers.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, cq := range s.cqs {
		if err := cq.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.PD.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.Device.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// BufferPool is a fixed-capacity slab of send/receive buffers, each
// BufferSize bytes, registered as one large memory region and parceled out
// by index: a single allocated slab and an index free-list under one
// lock, rather than per-allocation malloc/free.
type BufferPool struct {
	mu       sync.Mutex
	slab     []byte
	mr       verbs.MemoryRegion
	freeList []int
}

// NewBufferPool registers a slab of numBuffers*BufferSize bytes and
// initializes the free list to every index.
func NewBufferPool(pd verbs.ProtectionDomain, numBuffers int) (*BufferPool, error) {
	slab := make([]byte, numBuffers*BufferSize)
	mr, err := pd.RegisterMR(slab, verbs.AccessLocalWrite|verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.VerbsSetup, "register buffer pool memory region", err)
	}
	freeList := make([]int, numBuffers)
	for i := range freeList {
		freeList[i] = i
	}
	return &BufferPool{slab: slab, mr: mr, freeList: freeList}, nil
}

// Alloc draws one free buffer, returning its backing slice, its index (for
// later Free), and the memory region it was registered under.
func (p *BufferPool) Alloc() (buf []byte, id int, mr verbs.MemoryRegion, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.freeList) == 0 {
		return nil, 0, nil, brokererr.New(brokererr.PoolExhausted, "buffer pool exhausted")
	}
	id = p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]
	off := id * BufferSize
	return p.slab[off : off+BufferSize], id, p.mr, nil
}

// Free returns buffer id to the pool. Callers must zero sensitive contents
// themselves before calling Free if that matters to them; the pool does
// not do it implicitly since a freshly-freed buffer is immediately
// eligible for reuse across connections and zeroing on the hot path would
// shift cost onto every alloc instead.
func (p *BufferPool) Free(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeList = append(p.freeList, id)
}

// Available reports the number of free buffers, for metrics and tests.
func (p *BufferPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freeList)
}

func (p *BufferPool) Close() error {
	return p.mr.Close()
}
