package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/quartzlink/rmemd/pkg/resources"
	"github.com/quartzlink/rmemd/pkg/verbs/mock"
)

func newSharedPair(t *testing.T) *resources.Shared {
	t.Helper()
	dev := mock.NewDevice("test0")
	shared, err := resources.Open(context.Background(), dev, 1, 2, 4)
	if err != nil {
		t.Fatalf("resources.Open: %v", err)
	}
	t.Cleanup(func() { shared.Close() })
	return shared
}

func bringUpPair(t *testing.T, allowRemoteWrite bool) (server, client *Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	shared := newSharedPair(t)
	log := zerolog.Nop()

	type out struct {
		c   *Conn
		err error
	}
	serverCh := make(chan out, 1)
	go func() {
		c, err := BringUp(context.Background(), xid.New(), log, serverConn, shared, Options{
			Side:             ServerSide,
			PortNum:          1,
			AllowRemoteWrite: allowRemoteWrite,
		})
		serverCh <- out{c, err}
	}()

	clientRes, err := BringUp(context.Background(), xid.New(), log, clientConn, shared, Options{
		Side:             ClientSide,
		PortNum:          1,
		AllowRemoteWrite: allowRemoteWrite,
	})
	if err != nil {
		t.Fatalf("client BringUp: %v", err)
	}

	res := <-serverCh
	if res.err != nil {
		t.Fatalf("server BringUp: %v", res.err)
	}
	return res.c, clientRes
}

func TestBringUpReachesConnected(t *testing.T) {
	server, client := bringUpPair(t, true)
	if server.State() != StateConnected {
		t.Fatalf("server state = %v, want connected", server.State())
	}
	if client.State() != StateConnected {
		t.Fatalf("client state = %v, want connected", client.State())
	}
	if server.RemoteEndpoint().QPNum != client.LocalEndpoint().QPNum {
		t.Fatalf("server's view of remote QP (%d) != client's local QP (%d)",
			server.RemoteEndpoint().QPNum, client.LocalEndpoint().QPNum)
	}
	if client.RemoteEndpoint().QPNum != server.LocalEndpoint().QPNum {
		t.Fatalf("client's view of remote QP (%d) != server's local QP (%d)",
			client.RemoteEndpoint().QPNum, server.LocalEndpoint().QPNum)
	}
}

func TestWriteDeliversToRemoteBuffer(t *testing.T) {
	server, client := bringUpPair(t, true)
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := server.PostRecv(); err != nil {
		t.Fatalf("server PostRecv: %v", err)
	}

	payload := []byte("hello over rdma")
	if err := client.Write(ctx, payload); err != nil {
		t.Fatalf("client Write: %v", err)
	}

	if string(server.recvBuf[:len(payload)]) != string(payload) {
		t.Fatalf("server recv buffer = %q, want %q", server.recvBuf[:len(payload)], payload)
	}

	stats := client.Stats()
	if stats.MessagesSent != 1 || stats.BytesSent != uint64(len(payload)) {
		t.Fatalf("unexpected client stats: %+v", stats)
	}
}

func TestSendPostRecvRoundTrip(t *testing.T) {
	server, client := bringUpPair(t, true)
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wrID, err := server.PostRecv()
	if err != nil {
		t.Fatalf("server PostRecv: %v", err)
	}

	payload := []byte("hello")
	if err := client.Send(ctx, payload); err != nil {
		t.Fatalf("client Send: %v", err)
	}

	got, err := server.PollRecv(ctx, wrID)
	if err != nil {
		t.Fatalf("server PollRecv: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("server received %q, want %q", got, payload)
	}

	cstats := client.Stats()
	if cstats.MessagesSent != 1 || cstats.BytesSent != uint64(len(payload)) {
		t.Fatalf("unexpected client stats: %+v", cstats)
	}
	sstats := server.Stats()
	if sstats.MessagesReceived != 1 || sstats.BytesReceived != uint64(len(payload)) {
		t.Fatalf("unexpected server stats: %+v", sstats)
	}
}

func TestGracefulDisconnect(t *testing.T) {
	server, client := bringUpPair(t, true)
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.AwaitDisconnect(ctx)
	}()

	if err := client.InitiateDisconnect(ctx); err != nil {
		t.Fatalf("client InitiateDisconnect: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server AwaitDisconnect: %v", err)
	}
	if server.State() != StateClosing {
		t.Fatalf("server state = %v, want closing", server.State())
	}
	if client.State() != StateClosing {
		t.Fatalf("client state = %v, want closing", client.State())
	}
}
