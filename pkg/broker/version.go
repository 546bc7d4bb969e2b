package broker

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/mod/semver"
)

// maxGreetingLen bounds how much we'll read looking for the newline that
// terminates the protocol greeting, so a peer that never sends one can't
// make us buffer unboundedly.
const maxGreetingLen = 64

// negotiateVersion reads the one-line protocol greeting a peer sends before
// PSN exchange begins ("rmemd/<semver>\n") and rejects it if the version is
// malformed or older than the configured minimum. This runs before any PSN
// is drawn, per SPEC_FULL.md §4's ambient protocol-version handshake.
//
// It reads one byte at a time rather than through a buffered reader: the
// PSN/endpoint exchange that follows reads directly from rw, so anything
// buffered here but not consumed would be lost.
func (s *Server) negotiateVersion(rw io.ReadWriter) error {
	var buf [1]byte
	var line []byte
	for len(line) < maxGreetingLen {
		if _, err := io.ReadFull(rw, buf[:]); err != nil {
			return fmt.Errorf("read protocol greeting: %w", err)
		}
		if buf[0] == '\n' {
			break
		}
		line = append(line, buf[0])
	}
	greeting := strings.TrimSuffix(string(line), "\r")

	name, ver, ok := strings.Cut(greeting, "/")
	if !ok || name != "rmemd" {
		return fmt.Errorf("malformed protocol greeting %q", greeting)
	}
	if !strings.HasPrefix(ver, "v") {
		ver = "v" + ver
	}
	if !semver.IsValid(ver) {
		return fmt.Errorf("invalid protocol version %q", ver)
	}

	min := s.Config.MinProtocolVersion
	if min != "" && !strings.HasPrefix(min, "v") {
		min = "v" + min
	}
	if min != "" && semver.Compare(ver, min) < 0 {
		return fmt.Errorf("protocol version %s older than minimum %s", ver, min)
	}

	if _, err := io.WriteString(rw, protocolGreeting); err != nil {
		return fmt.Errorf("write protocol greeting: %w", err)
	}
	return nil
}
