package rmemc

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

	"github.com/quartzlink/rmemd/pkg/broker"
	"github.com/quartzlink/rmemd/pkg/conn"
	"github.com/quartzlink/rmemd/pkg/resources"
	"github.com/quartzlink/rmemd/pkg/verbs/mock"
)

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
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
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
	clientCfg := &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}
	return serverCfg, clientCfg
}

func TestDialBringsUpConnection(t *testing.T) {
	serverTLS, clientTLS := generateTestTLSConfig(t)

	reserved, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := reserved.Addr().String()
	reserved.Close()

	cfg := broker.Config{
		Addr:               addr,
		MaxClients:         4,
		PortNum:            1,
		StatusInterval:     50 * time.Millisecond,
		MinProtocolVersion: "v1.0.0",
	}
	dev := mock.NewDevice("test0")
	shared, err := resources.Open(context.Background(), dev, uint8(cfg.PortNum), 2, cfg.MaxClients)
	if err != nil {
		t.Fatalf("resources.Open: %v", err)
	}
	defer shared.Close()

	s := broker.New(cfg, zerolog.Nop(), shared, nil, nil, serverTLS)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- s.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()

	c, err := Dial(dctx, addr, clientTLS, zerolog.Nop(), shared, Options{PortNum: 1, AllowRemoteWrite: true})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.State() != conn.StateConnected {
		t.Fatalf("state = %v, want connected", c.State())
	}

	cancel()
	select {
	case <-runErrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
