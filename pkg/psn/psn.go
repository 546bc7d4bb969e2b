// Package psn generates secure 24-bit packet sequence numbers for seeding
// data-plane queue pairs. The value is always drawn under the TLS control
// plane so an off-path attacker who cannot observe the handshake cannot
// predict it.
package psn

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"os"
	"time"

	"github.com/quartzlink/rmemd/pkg/brokererr"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Mask and Flag implement the "low 24 bits, bit 0 forced to 1" rule: zero is
// never chosen since the transport treats zero as "unset".
const (
	Mask uint32 = 0x00FFFFFF
	Flag uint32 = 0x00000001
)

// Generate draws a secure 24-bit PSN. It tries, in order: a crypto source
// (crypto/rand, which on Linux uses getrandom(2)), a direct read from
// /dev/urandom, and finally a time-seeded non-cryptographic generator as an
// absolute last resort (logged as a warning). It fails only if every source
// fails.
func Generate(log zerolog.Logger) (uint32, error) {
	var buf [4]byte

	if _, err := rand.Read(buf[:]); err == nil {
		return mask(buf), nil
	}

	if v, err := readDevURandom(); err == nil {
		return mask(v), nil
	}

	log.Warn().Msg("psn: all cryptographic entropy sources failed, falling back to time-seeded generator")
	r := mrand.New(mrand.NewSource(time.Now().UnixNano() ^ int64(os.Getpid())))
	var fb [4]byte
	binary.BigEndian.PutUint32(fb[:], r.Uint32())
	return mask(fb), nil
}

func mask(buf [4]byte) uint32 {
	v := binary.BigEndian.Uint32(buf[:])
	return (v & Mask) | Flag
}

func readDevURandom() ([4]byte, error) {
	var buf [4]byte
	fd, err := unix.Open("/dev/urandom", unix.O_RDONLY, 0)
	if err != nil {
		return buf, err
	}
	defer unix.Close(fd)
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return buf, err
	}
	if n != len(buf) {
		return buf, brokererr.New(brokererr.RandomFailure, "short read from /dev/urandom")
	}
	return buf, nil
}
