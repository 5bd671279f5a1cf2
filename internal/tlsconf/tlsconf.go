// Package tlsconf builds the TLS material for the handoff RPC port from the
// shared token, so a server and its clients need nothing but the token.
//
// The server key is derived from the token with HKDF-SHA256 and reduced onto
// P-256. Clients derive the same key and accept the server only if the
// certificate it presents carries that public key. The certificate itself is
// throwaway and regenerated on every start.
package tlsconf

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/hkdf"
	"google.golang.org/grpc/credentials"
)

// DefaultPassphrase is used when TLS is enabled without a token.
const DefaultPassphrase = "handoff"

// serverName is the name baked into the certificate and expected by clients.
const serverName = "handoff"

var (
	salt = []byte("handoff-tls-v1")
	info = []byte("server-key")
)

// ErrKeyMismatch is returned by the client verifier when the server's key
// was derived from a different token.
var ErrKeyMismatch = errors.New("tlsconf: server key does not match token")

// Server returns the listener config for passphrase. ALPN offers h2 and
// http/1.1 so gRPC and the HTTP gateway can share the port.
func Server(passphrase string) (*tls.Config, error) {
	key, err := deriveKey(passphrase)
	if err != nil {
		return nil, err
	}
	cert, err := selfSigned(key)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Client returns a config that trusts only a server holding the key derived
// from passphrase.
func Client(passphrase string) (*tls.Config, error) {
	key, err := deriveKey(passphrase)
	if err != nil {
		return nil, err
	}
	want, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: public key: %w", err)
	}
	return &tls.Config{
		// The chain is not verified; the pinned key below is.
		InsecureSkipVerify: true, //nolint:gosec
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS13,
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			if len(raw) == 0 {
				return errors.New("tlsconf: server sent no certificate")
			}
			cert, err := x509.ParseCertificate(raw[0])
			if err != nil {
				return fmt.Errorf("tlsconf: server certificate: %w", err)
			}
			got, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
			if err != nil {
				return fmt.Errorf("tlsconf: server public key: %w", err)
			}
			if !bytes.Equal(got, want) {
				return ErrKeyMismatch
			}
			return nil
		},
	}, nil
}

// ClientCredentials wraps Client for grpc.WithTransportCredentials.
func ClientCredentials(passphrase string) (credentials.TransportCredentials, error) {
	cfg, err := Client(passphrase)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

func deriveKey(passphrase string) (*ecdsa.PrivateKey, error) {
	if passphrase == "" {
		passphrase = DefaultPassphrase
	}
	buf := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), salt, info), buf); err != nil {
		return nil, fmt.Errorf("tlsconf: hkdf: %w", err)
	}

	curve := elliptic.P256()
	n := curve.Params().N
	// k in [1, n-1]
	k := new(big.Int).SetBytes(buf)
	k.Mod(k, new(big.Int).Sub(n, big.NewInt(1)))
	k.Add(k, big.NewInt(1))

	key := &ecdsa.PrivateKey{D: k}
	key.Curve = curve
	key.X, key.Y = curve.ScalarBaseMult(k.Bytes())
	return key, nil
}

func selfSigned(key *ecdsa.PrivateKey) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: serverName},
		DNSNames:              []string{serverName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
