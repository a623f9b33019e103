package cmd

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	hostCertFileName = "host.crt"
	hostKeyFileName  = "host.key"
	certValidFor     = 10 * 365 * 24 * time.Hour
)

// loadOrGenerateHostCert returns the host's LAN-trust identity out of
// stateDir, generating and persisting a fresh self-signed certificate on
// first run so a host's identity (and therefore the fingerprint a client
// might pin out of band) survives a restart instead of rotating every
// time the process starts.
func loadOrGenerateHostCert(stateDir string) (tls.Certificate, error) {
	certPath := filepath.Join(stateDir, hostCertFileName)
	keyPath := filepath.Join(stateDir, hostKeyFileName)

	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err == nil {
				return cert, nil
			}
			// Fall through and regenerate if the pair on disk won't parse.
		}
	}

	cert, certPEM, keyPEM, err := generateSelfSignedCert()
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generating host certificate: %w", err)
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return tls.Certificate{}, fmt.Errorf("creating state directory: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("writing host certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("writing host key: %w", err)
	}
	return cert, nil
}

// generateSelfSignedCert builds a self-signed ECDSA P-256 certificate for
// the LAN-trust TLS mode, where the peer's identity is accepted on faith
// rather than validated against a CA (see transport.NewLANTrustTLSConfig).
// No library in this tree's dependency set issues certificates, so this
// is built directly on crypto/x509 rather than adopting one purely for
// this.
func generateSelfSignedCert() (cert tls.Certificate, certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"wormhole"}, CommonName: "wormhole-host"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
		DNSNames:     []string{"wormhole-host", "localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err = tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}
	return cert, certPEM, keyPEM, nil
}
