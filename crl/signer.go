package crl

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/libresign/certledger/ledger"
)

// ErrNoIssuer is returned by Sign when no issuer has been registered for
// the requested engine.
var ErrNoIssuer = errors.New("no issuer configured for engine")

// ErrInvalidPEM is returned when issuer PEM data cannot be decoded or
// parsed.
var ErrInvalidPEM = errors.New("invalid PEM data")

// LocalSigner is a CASigner holding per-engine issuer certificates and
// private keys in process memory. Production deployments load the material
// from files via LoadIssuerFiles; tests register generated keys directly
// with AddIssuer.
type LocalSigner struct {
	mu      sync.RWMutex
	issuers map[ledger.Engine]issuer
}

type issuer struct {
	cert *x509.Certificate
	key  crypto.Signer
}

var _ CASigner = (*LocalSigner)(nil)

// NewLocalSigner creates an empty LocalSigner.
func NewLocalSigner() *LocalSigner {
	return &LocalSigner{issuers: make(map[ledger.Engine]issuer)}
}

// AddIssuer registers the issuer certificate and signing key for an engine.
// The certificate must carry the cRLSign key usage and a subject key
// identifier, as x509.CreateRevocationList derives the CRL's
// authorityKeyIdentifier extension from it.
func (s *LocalSigner) AddIssuer(engine ledger.Engine, cert *x509.Certificate, key crypto.Signer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuers[engine] = issuer{cert: cert, key: key}
}

// LoadIssuerFiles reads a PEM certificate and PEM private key (PKCS#8, EC,
// or PKCS#1) from disk and registers them for the engine.
func (s *LocalSigner) LoadIssuerFiles(engine ledger.Engine, certPath, keyPath string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("reading issuer certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("issuer certificate %s: %w", certPath, ErrInvalidPEM)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parsing issuer certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("reading issuer key: %w", err)
	}
	key, err := parseSigningKey(keyPEM)
	if err != nil {
		return fmt.Errorf("parsing issuer key %s: %w", keyPath, err)
	}

	s.AddIssuer(engine, cert, key)
	return nil
}

func parseSigningKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: key type cannot sign", ErrInvalidPEM)
		}
		return signer, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: unsupported private key format", ErrInvalidPEM)
}

// Sign signs the template with the engine's issuer and returns the DER
// bytes of the CertificateList.
func (s *LocalSigner) Sign(_ context.Context, tmpl *x509.RevocationList, engine ledger.Engine) ([]byte, error) {
	s.mu.RLock()
	iss, ok := s.issuers[engine]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoIssuer, engine)
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, iss.cert, iss.key)
	if err != nil {
		return nil, fmt.Errorf("signing CRL: %w", err)
	}
	return der, nil
}
