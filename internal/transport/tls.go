package transport

import (
	"crypto/tls"
	"time"
)

func msToDuration(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// NewLANTrustTLSConfig builds the "LAN trust" TLS configuration §4.8
// permits as an explicit opt-in: the peer's self-signed certificate is
// accepted without chain validation. Ordinary (non-LAN-trust) sessions
// must instead authenticate via the PAKE-negotiated session key (see
// pake.go) and should not use this constructor.
func NewLANTrustTLSConfig(cert tls.Certificate, nextProtos []string) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         nextProtos,
		MinVersion:         tls.VersionTLS13,
	}
}

// NewClientLANTrustTLSConfig is the dial-side counterpart: it accepts
// whatever certificate the host presents without CA validation, matching
// the explicit LAN-trust opt-in on the dial path.
func NewClientLANTrustTLSConfig(nextProtos []string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         nextProtos,
		MinVersion:         tls.VersionTLS13,
	}
}
