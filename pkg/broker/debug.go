package broker

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
	"github.com/klauspost/compress/gzip"
)

// CheckDebugSecret reports whether got matches the configured debug secret
// in constant time. If no secret is configured, debug endpoints are
// disabled entirely and this always returns false.
func (s *Server) CheckDebugSecret(got string) bool {
	want := s.Config.DebugSecret
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// WritePrometheus writes process-wide and broker metrics in Prometheus
// exposition format.
func (s *Server) WritePrometheus(w io.Writer) {
	metrics.WriteProcessMetrics(w)
	s.metrics.writePrometheus(w)
}

// WriteClosureLog writes the limit most recent closure-log rows as
// gzip-compressed JSON, served from /debug/closurelog exactly as atlas
// gzips its web error pages.
func (s *Server) WriteClosureLog(ctx context.Context, w io.Writer, limit int) error {
	if s.Closures == nil {
		return fmt.Errorf("closure log is disabled")
	}
	rows, err := s.Closures.Recent(ctx, limit)
	if err != nil {
		return fmt.Errorf("query closure log: %w", err)
	}

	zw := gzip.NewWriter(w)
	if err := json.NewEncoder(zw).Encode(rows); err != nil {
		zw.Close()
		return fmt.Errorf("encode closure log: %w", err)
	}
	return zw.Close()
}
