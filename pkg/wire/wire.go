// Package wire implements the fixed-layout, network-byte-order control-plane
// records exchanged over TLS during connection bring-up: the PSN pair and
// the endpoint descriptor.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/quartzlink/rmemd/pkg/brokererr"
)

// EndpointSize is the wire size of an Endpoint record, in octets.
const EndpointSize = 4 + 2 + 16 + 4 + 4 + 8

// Endpoint is the endpoint descriptor exchanged over the control plane.
// It is immutable after construction and carries no back-pointer to its
// owning connection.
type Endpoint struct {
	QPNum      uint32   // local queue-pair identifier
	LID        uint16   // InfiniBand local identifier, 0 over Ethernet
	GID        [16]byte // globally routable identifier, already network-format
	PSN        uint32   // the initial PSN chosen by this side
	RKey       uint32   // remote-access key authorizing writes into RemoteAddr
	RemoteAddr uint64   // virtual address of this side's receive buffer
}

// Encode serializes e into its 38-octet wire form.
func (e Endpoint) Encode() [EndpointSize]byte {
	var buf [EndpointSize]byte
	binary.BigEndian.PutUint32(buf[0:4], e.QPNum)
	binary.BigEndian.PutUint16(buf[4:6], e.LID)
	copy(buf[6:22], e.GID[:])
	binary.BigEndian.PutUint32(buf[22:26], e.PSN)
	binary.BigEndian.PutUint32(buf[26:30], e.RKey)
	binary.BigEndian.PutUint64(buf[30:38], e.RemoteAddr)
	return buf
}

// DecodeEndpoint parses a 38-octet wire form into an Endpoint.
func DecodeEndpoint(buf []byte) (Endpoint, error) {
	if len(buf) < EndpointSize {
		return Endpoint{}, brokererr.New(brokererr.ProtocolError, "short endpoint descriptor")
	}
	var e Endpoint
	e.QPNum = binary.BigEndian.Uint32(buf[0:4])
	e.LID = binary.BigEndian.Uint16(buf[4:6])
	copy(e.GID[:], buf[6:22])
	e.PSN = binary.BigEndian.Uint32(buf[22:26])
	e.RKey = binary.BigEndian.Uint32(buf[26:30])
	e.RemoteAddr = binary.BigEndian.Uint64(buf[30:38])
	return e, nil
}

// WriteEndpoint writes e to w in its wire form.
func WriteEndpoint(w io.Writer, e Endpoint) error {
	buf := e.Encode()
	n, err := w.Write(buf[:])
	if err != nil {
		return brokererr.Wrap(brokererr.ProtocolError, "write endpoint descriptor", err)
	}
	if n != EndpointSize {
		return brokererr.New(brokererr.ProtocolError, "short write of endpoint descriptor")
	}
	return nil
}

// ReadEndpoint reads a 38-octet endpoint descriptor from r.
func ReadEndpoint(r io.Reader) (Endpoint, error) {
	var buf [EndpointSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Endpoint{}, brokererr.Wrap(brokererr.ProtocolError, "short read of endpoint descriptor", err)
	}
	return DecodeEndpoint(buf[:])
}

// WritePSN writes a single 4-octet big-endian PSN value to w. Each side
// writes and reads exactly 4 octets during the exchange; see
// ExchangePSNClient/ExchangePSNServer for the asymmetric ordering that avoids a
// write-write stall.
func WritePSN(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	n, err := w.Write(buf[:])
	if err != nil {
		return brokererr.Wrap(brokererr.ProtocolError, "write psn", err)
	}
	if n != 4 {
		return brokererr.New(brokererr.ProtocolError, "short write of psn")
	}
	return nil
}

// ReadPSN reads a single 4-octet big-endian PSN value from r.
func ReadPSN(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, brokererr.Wrap(brokererr.ProtocolError, "short read of psn", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
