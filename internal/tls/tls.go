// Package tls provides the STARTTLS certificate for the SMTP server: either
// a key pair loaded from files or a self-signed certificate generated once
// per process start.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// certValidity is the lifetime of a generated certificate.
const certValidity = 365 * 24 * time.Hour

// certHost is the CN and SAN of a generated certificate. Clients connecting
// through a public MX will not be able to verify it; the certificate exists
// to make STARTTLS possible on internal bridges, not to prove identity.
const certHost = "localhost"

// GenerateSelfSigned generates an in-memory ECDSA P-256 self-signed server
// certificate. Nothing is written to disk; callers generate once at startup
// and share the result read-only.
func GenerateSelfSigned() (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	template, err := certTemplate()
	if err != nil {
		return nil, err
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}

// certTemplate builds the x509 template for a generated certificate:
// CN=localhost, SANs for localhost and the loopback address, valid from now
// for certValidity.
func certTemplate() (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: certHost},
		NotBefore:    now,
		NotAfter:     now.Add(certValidity),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,

		DNSNames:    []string{certHost},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
	}, nil
}

// LoadOrGenerate loads a certificate from the given file paths, or generates
// a self-signed one when the paths are empty. Returns a tls.Config ready for
// the SMTP server's STARTTLS upgrade.
func LoadOrGenerate(certFile, keyFile string) (*tls.Config, error) {
	var cert tls.Certificate

	if certFile != "" && keyFile != "" {
		loaded, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		cert = loaded
	} else {
		generated, err := GenerateSelfSigned()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
		cert = *generated
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
