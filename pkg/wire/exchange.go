package wire

import "io"

// ExchangePSNClient performs the client side of the asymmetric PSN
// exchange: write local_psn, then read remote_psn. This ordering,
// combined with the server's read-then-write, avoids a write-write
// stall on a stream duplex that isn't guaranteed.
func ExchangePSNClient(rw io.ReadWriter, localPSN uint32) (remotePSN uint32, err error) {
	if err = WritePSN(rw, localPSN); err != nil {
		return 0, err
	}
	return ReadPSN(rw)
}

// ExchangePSNServer performs the server side of the asymmetric PSN exchange:
// read remote_psn, then write local_psn.
func ExchangePSNServer(rw io.ReadWriter, localPSN uint32) (remotePSN uint32, err error) {
	if remotePSN, err = ReadPSN(rw); err != nil {
		return 0, err
	}
	if err = WritePSN(rw, localPSN); err != nil {
		return 0, err
	}
	return remotePSN, nil
}

// ExchangeEndpointClient performs the client side of the asymmetric
// endpoint exchange: read remote_endpoint first, then write
// local_endpoint.
func ExchangeEndpointClient(rw io.ReadWriter, local Endpoint) (remote Endpoint, err error) {
	if remote, err = ReadEndpoint(rw); err != nil {
		return Endpoint{}, err
	}
	if err = WriteEndpoint(rw, local); err != nil {
		return Endpoint{}, err
	}
	return remote, nil
}

// ExchangeEndpointServer performs the server side of the asymmetric
// endpoint exchange: write local_endpoint first, then read remote_endpoint.
func ExchangeEndpointServer(rw io.ReadWriter, local Endpoint) (remote Endpoint, err error) {
	if err = WriteEndpoint(rw, local); err != nil {
		return Endpoint{}, err
	}
	return ReadEndpoint(rw)
}
