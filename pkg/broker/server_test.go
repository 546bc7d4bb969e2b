package broker

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quartzlink/rmemd/pkg/resources"
	"github.com/quartzlink/rmemd/pkg/rmemc"
	"github.com/quartzlink/rmemd/pkg/verbs/mock"
)

// reserveAddr opens and immediately closes a TCP listener to claim a free
// ephemeral port, so the test server can be told to bind that exact
// address ahead of starting Run (which blocks and reports no address of
// its own).
func reserveAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve addr: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func generateTestTLSConfig(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "rmemd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{RootCAs: pool, ServerName: "localhost"}
	return serverCfg, clientCfg
}

func testServer(t *testing.T) (*Server, *tls.Config) {
	t.Helper()
	cfg := Config{
		Addr:               "127.0.0.1:0",
		MaxClients:         4,
		PortNum:            1,
		StatusInterval:     50 * time.Millisecond,
		MinProtocolVersion: "v1.0.0",
	}
	serverTLS, clientTLS := generateTestTLSConfig(t)

	dev := mock.NewDevice("test0")
	shared, err := resources.Open(context.Background(), dev, uint8(cfg.PortNum), 2, cfg.MaxClients)
	if err != nil {
		t.Fatalf("resources.Open: %v", err)
	}
	t.Cleanup(func() { shared.Close() })

	s := New(cfg, zerolog.Nop(), shared, nil, nil, serverTLS)
	return s, clientTLS
}

func TestNegotiateVersionRejectsOldPeer(t *testing.T) {
	s, _ := testServer(t)
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- s.negotiateVersion(serverSide) }()

	if _, err := clientSide.Write([]byte("rmemd/0.9.0\n")); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected rejection of old protocol version")
	}
}

func TestNegotiateVersionAcceptsCompatiblePeer(t *testing.T) {
	s, _ := testServer(t)
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- s.negotiateVersion(serverSide) }()

	if _, err := clientSide.Write([]byte("rmemd/1.0.0\n")); err != nil {
		t.Fatalf("write greeting: %v", err)
	}

	ack := make([]byte, len(protocolGreeting))
	if _, err := clientSide.Read(ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("negotiateVersion: %v", err)
	}
	if string(ack) != protocolGreeting {
		t.Fatalf("ack = %q, want %q", ack, protocolGreeting)
	}
}

func TestOneShotEcho(t *testing.T) {
	cfg := Config{
		Addr:               reserveAddr(t),
		MaxClients:         1,
		PortNum:            1,
		StatusInterval:     50 * time.Millisecond,
		MinProtocolVersion: "v1.0.0",
	}
	serverTLS, clientTLS := generateTestTLSConfig(t)

	dev := mock.NewDevice("test0")
	shared, err := resources.Open(context.Background(), dev, uint8(cfg.PortNum), 2, cfg.MaxClients)
	if err != nil {
		t.Fatalf("resources.Open: %v", err)
	}
	t.Cleanup(func() { shared.Close() })

	s := New(cfg, zerolog.Nop(), shared, nil, nil, serverTLS)

	runCtx, cancelRun := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- s.Run(runCtx) }()
	time.Sleep(50 * time.Millisecond) // let the listener come up

	clientShared, err := resources.Open(context.Background(), dev, 1, 1, 1)
	if err != nil {
		t.Fatalf("client resources.Open: %v", err)
	}
	t.Cleanup(func() { clientShared.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := rmemc.Dial(ctx, cfg.Addr, clientTLS, zerolog.Nop(), clientShared, rmemc.Options{PortNum: 1})
	if err != nil {
		t.Fatalf("rmemc.Dial: %v", err)
	}
	defer c.Close()

	wrID, err := c.PostRecv()
	if err != nil {
		t.Fatalf("client PostRecv: %v", err)
	}

	if err := c.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("client Send: %v", err)
	}

	got, err := c.PollRecv(ctx, wrID)
	if err != nil {
		t.Fatalf("client PollRecv: %v", err)
	}

	want := "Server echo [Client 1]: hello"
	if string(got) != want {
		t.Fatalf("echo = %q, want %q", got, want)
	}

	if err := c.InitiateDisconnect(ctx); err != nil {
		t.Fatalf("client InitiateDisconnect: %v", err)
	}

	cancelRun()
	if err := <-runErrCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestCheckDebugSecret(t *testing.T) {
	s, _ := testServer(t)
	if s.CheckDebugSecret("anything") {
		t.Fatal("expected no secret configured to always reject")
	}
	s.Config.DebugSecret = "swordfish"
	if !s.CheckDebugSecret("swordfish") {
		t.Fatal("expected matching secret to be accepted")
	}
	if s.CheckDebugSecret("wrong") {
		t.Fatal("expected mismatched secret to be rejected")
	}
}
