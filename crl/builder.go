// Package crl assembles RFC 5280 certificate revocation lists from the
// ledger's revoked set. The builder owns template assembly and CRL-number
// sequencing; the actual signature is produced by a CASigner collaborator
// holding the CA key material, keyed by engine.
package crl

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/libresign/certledger/ledger"
)

// ErrGenerationFailed is returned when the CRL cannot be assembled or
// signed. Callers surface it as a generic server error; the underlying
// signing diagnostics stay in the server-side log.
var ErrGenerationFailed = errors.New("CRL generation failed")

// CASigner signs an assembled revocation-list template with the key
// material of the given CA engine and returns the signed DER bytes. The
// signer owns the issuer certificate: authorityKeyIdentifier and the issuer
// name are derived from it during encoding.
type CASigner interface {
	Sign(ctx context.Context, tmpl *x509.RevocationList, engine ledger.Engine) ([]byte, error)
}

// Config carries the deployment configuration the builder must not
// hard-code: the process's active CA scope used when a download supplies no
// scope of its own, and the validity window that determines nextUpdate.
type Config struct {
	ActiveScope    ledger.Scope
	ValidityWindow time.Duration
}

// DefaultValidityWindow is used when Config.ValidityWindow is zero.
const DefaultValidityWindow = 24 * time.Hour

// Builder produces signed DER CRL documents from the ledger.
type Builder struct {
	store  ledger.Store
	signer CASigner
	cfg    Config
	now    func() time.Time
	log    *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the time source used for thisUpdate/nextUpdate.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithLogger sets the structured logger. If not set, a JSON logger writing
// to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) { b.log = logger }
}

// NewBuilder creates a Builder over the given store and signing
// collaborator.
func NewBuilder(store ledger.Store, signer CASigner, cfg Config, opts ...Option) *Builder {
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = DefaultValidityWindow
	}
	b := &Builder{
		store:  store,
		signer: signer,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return b
}

// Generate assembles and signs a CRL for the given scope and returns the
// DER bytes. A zero scope falls back to the configured active scope; empty
// scope fields act as wildcards over the revoked set, which is how
// administrative full dumps work. An empty revoked set is valid and
// produces a signed empty CRL.
func (b *Builder) Generate(ctx context.Context, scope ledger.Scope) ([]byte, error) {
	if scope.IsZero() {
		scope = b.cfg.ActiveScope
	}
	engine := scope.Engine
	if engine == "" {
		engine = b.cfg.ActiveScope.Engine
	}

	revoked, err := b.store.ListRevoked(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("loading revoked set: %w", err)
	}

	number, err := b.store.NextCRLNumber(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	now := b.now().UTC()
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	serials := make([]string, 0, len(revoked))
	for _, rec := range revoked {
		serial, ok := new(big.Int).SetString(rec.SerialNumber, 10)
		if !ok {
			// A serial that is not a decimal integer cannot be encoded in
			// the CertificateList; it never came from our CAs.
			b.log.Warn("skipping unencodable serial number", "serial_number", rec.SerialNumber)
			continue
		}
		revokedAt := now
		if rec.RevokedAt != nil {
			revokedAt = rec.RevokedAt.UTC()
		}
		entry := x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: revokedAt,
		}
		if rec.ReasonCode != nil {
			entry.ReasonCode = int(*rec.ReasonCode)
		}
		entries = append(entries, entry)
		serials = append(serials, rec.SerialNumber)
	}

	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                now,
		NextUpdate:                now.Add(b.cfg.ValidityWindow),
		RevokedCertificateEntries: entries,
	}

	der, err := b.signer.Sign(ctx, tmpl, engine)
	if err != nil {
		b.log.Error("CRL signing failed",
			"engine", string(engine),
			"crl_number", number,
			"error", err)
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	// Best effort: record which CRL the included certificates last appeared
	// in. The document is already signed, so a write failure here must not
	// discard it.
	if err := b.store.SetCRLNumber(ctx, serials, number); err != nil {
		b.log.Warn("could not persist CRL number onto included records",
			"crl_number", number,
			"records", len(serials),
			"error", err)
	}

	b.log.Info("CRL generated",
		"engine", string(engine),
		"crl_number", number,
		"revoked_entries", len(entries))
	return der, nil
}
