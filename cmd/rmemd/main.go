// Command rmemd runs the secure remote-memory-access connection broker.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hashicorp/go-envparse"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/quartzlink/rmemd/db/closuredb"
	"github.com/quartzlink/rmemd/pkg/broker"
	"github.com/quartzlink/rmemd/pkg/ipintel"
	"github.com/quartzlink/rmemd/pkg/resources"
	"github.com/quartzlink/rmemd/pkg/verbs"
	"github.com/quartzlink/rmemd/pkg/verbs/mock"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	var cfg broker.Config
	if err := cfg.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	s, err := initServer(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize server: %v\n", err)
		os.Exit(1)
	}

	if cfg.DebugAddr != "" {
		go serveDebug(cfg, s, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	go func() {
		for range hch {
			log.Info().Msg("got SIGHUP (config/cert reload is not yet wired up)")
		}
	}()

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func newLogger(cfg broker.Config) zerolog.Logger {
	if !cfg.LogStdout {
		return zerolog.Nop()
	}
	if cfg.LogStdoutPretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(cfg.LogLevel).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(cfg.LogLevel).With().Timestamp().Logger()
}

func initServer(cfg broker.Config, log zerolog.Logger) (*broker.Server, error) {
	if cfg.TLSCert == "" || cfg.TLSKey == "" {
		return nil, fmt.Errorf("RMEMD_TLS_CERT and RMEMD_TLS_KEY are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load tls certificate: %w", err)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	if cfg.TLSClientCA != "" {
		caPEM, err := os.ReadFile(cfg.TLSClientCA)
		if err != nil {
			return nil, fmt.Errorf("read tls client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("tls client ca %q contains no certificates", cfg.TLSClientCA)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	// TODO: swap in a real cgo verbs binding once one implements pkg/verbs.Device.
	var dev verbs.Device = mock.NewDevice("rmemd0")

	shared, err := resources.Open(context.Background(), dev, uint8(cfg.PortNum), cfg.NumCQs, cfg.MaxClients)
	if err != nil {
		return nil, fmt.Errorf("open shared verbs resources: %w", err)
	}

	var closures *closuredb.DB
	if cfg.ClosureDB != "" {
		closures, err = closuredb.Open(cfg.ClosureDB)
		if err != nil {
			shared.Close()
			return nil, fmt.Errorf("open closure log: %w", err)
		}
	}

	ipi, err := ipintel.Open(cfg.IP2Location)
	if err != nil {
		shared.Close()
		return nil, fmt.Errorf("open ip intelligence database: %w", err)
	}

	return broker.New(cfg, log, shared, closures, ipi, tlsConfig), nil
}

// serveDebug exposes pprof, /metrics, and a gzip-compressed closure-log
// dump on a separate, insecure-by-default address, never the control-plane
// TLS port — mirroring cmd/atlas/main.go's INSECURE_DEBUG_SERVER_ADDR mux.
func serveDebug(cfg broker.Config, s *broker.Server, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !s.CheckDebugSecret(r.URL.Query().Get("secret")) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		s.WritePrometheus(w)
	})

	mux.HandleFunc("/debug/closurelog", func(w http.ResponseWriter, r *http.Request) {
		if !s.CheckDebugSecret(r.URL.Query().Get("secret")) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		if err := s.WriteClosureLog(r.Context(), w, limit); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	log.Warn().Str("addr", cfg.DebugAddr).Msg("running insecure debug server")
	if err := http.ListenAndServe(cfg.DebugAddr, mux); err != nil {
		log.Error().Err(err).Msg("debug server failed")
	}
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
