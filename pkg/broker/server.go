// Package broker implements the connection broker's TLS acceptor,
// per-connection dispatch, and process lifecycle.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"

	"github.com/quartzlink/rmemd/db/closuredb"
	"github.com/quartzlink/rmemd/pkg/brokererr"
	"github.com/quartzlink/rmemd/pkg/conn"
	"github.com/quartzlink/rmemd/pkg/ipintel"
	"github.com/quartzlink/rmemd/pkg/resources"
	"github.com/quartzlink/rmemd/pkg/slot"
	"github.com/quartzlink/rmemd/pkg/verbs"
)

// protocolGreeting is the one-line version handshake a peer must send
// before PSN exchange begins.
const protocolGreeting = "rmemd/" + minProtocolMajor + "\n"
const minProtocolMajor = "1.0.0"

// Server accepts TLS control-plane connections, admits them into a fixed
// slot table, and drives each through pkg/conn bring-up.
type Server struct {
	Config Config
	Logger zerolog.Logger

	Device verbs.Device

	Shared    *resources.Shared
	Slots     *slot.Table[*conn.Conn]
	Closures  *closuredb.DB
	IPIntel   *ipintel.DB
	TLSConfig *tls.Config

	metrics *brokerMetrics

	mu     sync.Mutex
	closed bool
}

// New builds a Server from cfg. shared must already be opened (pkg/resources.Open)
// against the verbs device the caller chose; closures and ipintel may be
// nil to disable those features.
func New(cfg Config, log zerolog.Logger, shared *resources.Shared, closures *closuredb.DB, ipi *ipintel.DB, tlsConfig *tls.Config) *Server {
	if ipi == nil {
		ipi = &ipintel.DB{}
	}
	return &Server{
		Config:    cfg,
		Logger:    log,
		Device:    shared.Device,
		Shared:    shared,
		Slots:     slot.NewTable[*conn.Conn](cfg.MaxClients),
		Closures:  closures,
		IPIntel:   ipi,
		TLSConfig: tlsConfig,
		metrics:   serverMetrics(),
	}
}

// Run accepts connections until ctx is canceled, then waits for every
// in-flight connection to finish closing before returning.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("server already closed")
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.Config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Config.Addr, err)
	}
	if tcl, ok := ln.(*net.TCPListener); ok {
		setReusePort(tcl)
	}
	ln = tls.NewListener(netutil.LimitListener(ln, s.Config.MaxClients), s.TLSConfig)
	defer ln.Close()

	s.Logger.Info().Str("addr", s.Config.Addr).Int("max_clients", s.Config.MaxClients).Msg("listening")

	var wg sync.WaitGroup

	acceptErrCh := make(chan error, 1)
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					acceptErrCh <- nil
				default:
					acceptErrCh <- err
				}
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handle(ctx, nc)
			}()
		}
	}()

	statusInterval := s.Config.StatusInterval
	if statusInterval <= 0 {
		statusInterval = time.Second
	}
	tk := time.NewTicker(statusInterval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			ln.Close()
			wg.Wait()
			s.Logger.Info().Msg("shut down")
			return nil
		case err := <-acceptErrCh:
			wg.Wait()
			return err
		case <-tk.C:
			s.logStatus()
		}
	}
}

func (s *Server) logStatus() {
	active := s.Slots.ActiveCount()
	free := s.Shared.Buffers.Available()
	s.metrics.active_connections.Set(float64(active))
	s.metrics.buffer_pool_free.Set(float64(free))
	s.metrics.slot_table_used.Set(float64(active))
	s.Logger.Debug().Int("active_connections", active).Int("buffer_pool_free", free).Msg("status")
}

// handle admits, brings up, and runs a single accepted connection end to
// end, recording its outcome in the closure log on exit.
func (s *Server) handle(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	remoteAddr := nc.RemoteAddr().String()
	log := s.Logger.With().Str("remote_addr", remoteAddr).Logger()

	slotID, err := s.Slots.Admit(nil)
	if err != nil {
		s.metrics.admissions_total.reject_capacity.Inc()
		log.Warn().Msg("rejected: slot table full")
		return
	}
	defer s.Slots.Release(slotID)
	s.metrics.admissions_total.success.Inc()

	id := xid.New()

	if err := s.negotiateVersion(nc); err != nil {
		s.recordClosure(ctx, slotID, id, remoteAddr, "rejected", brokererr.ProtocolError, conn.Stats{}, log, err)
		return
	}

	c, err := conn.BringUp(ctx, id, log, nc, s.Shared, conn.Options{
		Side:             conn.ServerSide,
		PortNum:          uint8(s.Config.PortNum),
		AllowRemoteWrite: s.Config.AllowRemoteWrite,
	})
	if err != nil {
		kind, _ := brokererr.KindOf(err)
		if kind != brokererr.RandomFailure {
			s.metrics.psns_generated_total.Inc()
		}
		if kind == brokererr.PoolExhausted {
			kind = brokererr.Capacity
		}
		s.metrics.bringupOutcome(kind)
		s.recordClosure(ctx, slotID, id, remoteAddr, "failed", kind, conn.Stats{}, log, err)
		return
	}
	defer c.Close()
	s.metrics.psns_generated_total.Inc()

	s.Slots.Set(slotID, c)
	s.metrics.bringups_total.success.Inc()
	log.Info().Msg("connection bring-up complete")

	opCtx, cancelOp := context.WithCancel(ctx)
	opDone := make(chan struct{})
	go func() {
		defer close(opDone)
		runEchoLoop(opCtx, c, slotID, log)
	}()

	// Blocks until the client initiates a graceful disconnect or ctx is
	// canceled (server shutdown); either way the connection is done.
	if err := c.AwaitDisconnect(ctx); err != nil {
		log.Debug().Err(err).Msg("connection ended without graceful disconnect")
	}
	cancelOp()
	<-opDone

	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.recordClosure(rctx, slotID, id, remoteAddr, "connected", 0, c.Stats(), log, nil)
}

// runEchoLoop posts an initial receive, then alternates polling for an
// inbound message, re-posting a receive, and sending back the payload
// prefixed with a marker identifying slotID (displayed 1-indexed to match
// the slot's externally visible client number), until ctx is canceled or
// an error ends the connection's data plane.
func runEchoLoop(ctx context.Context, c *conn.Conn, slotID int, log zerolog.Logger) {
	wrID, err := c.PostRecv()
	if err != nil {
		log.Debug().Err(err).Msg("initial post_recv failed")
		return
	}

	for {
		data, err := c.PollRecv(ctx, wrID)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Msg("operation loop ended")
			}
			return
		}

		wrID, err = c.PostRecv()
		if err != nil {
			log.Debug().Err(err).Msg("re-post_recv failed")
			return
		}

		echo := fmt.Sprintf("Server echo [Client %d]: %s", slotID+1, data)
		if err := c.Send(ctx, []byte(echo)); err != nil {
			log.Debug().Err(err).Msg("echo send failed")
			return
		}
	}
}

func (s *Server) recordClosure(ctx context.Context, slotID int, connID xid.ID, remoteAddr, outcome string, kind brokererr.Kind, stats conn.Stats, log zerolog.Logger, cause error) {
	if s.Closures == nil {
		return
	}
	errKind := ""
	if cause != nil {
		errKind = kind.String()
	}
	country := ""
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			if info, ok := s.IPIntel.Lookup(addr); ok {
				country = info.Country
			}
		}
	}
	if country != "" {
		s.metrics.connections_by_country.Inc(country)
	} else {
		s.metrics.connections_by_country.IncUnknown()
	}
	row := closuredb.Closure{
		SlotID:           slotID,
		ConnID:           connID.String(),
		RemoteAddr:       remoteAddr,
		Outcome:          outcome,
		ErrorKind:        errKind,
		Country:          country,
		ConnectedAt:      stats.ConnectedAt,
		ClosedAt:         time.Now(),
		MessagesSent:     stats.MessagesSent,
		MessagesReceived: stats.MessagesReceived,
		BytesSent:        stats.BytesSent,
		BytesReceived:    stats.BytesReceived,
	}
	if err := s.Closures.Record(ctx, row); err != nil {
		log.Warn().Err(err).Msg("failed to record closure log entry")
	}
}

// setReusePort enables SO_REUSEPORT on Linux so multiple broker processes
// can share one listen address for a scalable multi-process deployment.
func setReusePort(ln *net.TCPListener) {
	sc, err := ln.SyscallConn()
	if err != nil {
		return
	}
	sc.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
}
