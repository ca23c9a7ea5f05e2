package crl_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libresign/certledger/crl"
	"github.com/libresign/certledger/ledger"
	"github.com/libresign/certledger/ledger/memory"
)

// newTestSigner builds a LocalSigner with a self-signed CRL-signing CA for
// the given engine.
func newTestSigner(t *testing.T, engines ...ledger.Engine) (*crl.LocalSigner, map[ledger.Engine]*x509.Certificate) {
	t.Helper()
	signer := crl.NewLocalSigner()
	certs := make(map[ledger.Engine]*x509.Certificate)
	for _, engine := range engines {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		tmpl := &x509.Certificate{
			SerialNumber:          big.NewInt(1),
			Subject:               pkix.Name{CommonName: "Test " + string(engine) + " CA"},
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().Add(24 * time.Hour),
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraintsValid: true,
			IsCA:                  true,
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
		require.NoError(t, err)
		cert, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		signer.AddIssuer(engine, cert, key)
		certs[engine] = cert
	}
	return signer, certs
}

func testScope() ledger.Scope {
	return ledger.Scope{InstanceID: "abc", Generation: 1, Engine: ledger.EngineOpenSSL}
}

// seedLedger creates a ledger over a fresh memory store with nIssued issued
// and nRevoked revoked certificates in the test scope, serials counting up
// from 1001.
func seedLedger(t *testing.T, nIssued, nRevoked int) (*ledger.Ledger, []string) {
	t.Helper()
	ctx := t.Context()
	l := ledger.New(memory.NewStore())
	scope := testScope()

	var revoked []string
	serial := 1000
	for i := 0; i < nIssued+nRevoked; i++ {
		serial++
		s := big.NewInt(int64(serial)).String()
		_, err := l.Create(ctx, ledger.CreateRequest{
			SerialNumber: s,
			Owner:        "alice",
			Engine:       scope.Engine,
			InstanceID:   scope.InstanceID,
			Generation:   scope.Generation,
		})
		require.NoError(t, err)
		if i >= nIssued {
			_, err := l.Revoke(ctx, ledger.RevokeRequest{
				SerialNumber: s,
				ReasonCode:   ledger.ReasonKeyCompromise,
				RevokedBy:    "admin",
			})
			require.NoError(t, err)
			revoked = append(revoked, s)
		}
	}
	return l, revoked
}

func TestGenerate(t *testing.T) {
	ctx := t.Context()
	l, revoked := seedLedger(t, 2, 3)
	signer, certs := newTestSigner(t, ledger.EngineOpenSSL)

	b := crl.NewBuilder(l.Store(), signer, crl.Config{
		ActiveScope:    testScope(),
		ValidityWindow: 12 * time.Hour,
	})

	der, err := b.Generate(ctx, ledger.Scope{})
	require.NoError(t, err)

	list, err := x509.ParseRevocationList(der)
	require.NoError(t, err)
	require.NoError(t, list.CheckSignatureFrom(certs[ledger.EngineOpenSSL]))

	assert.Equal(t, int64(0), list.Number.Int64())
	assert.WithinDuration(t, list.ThisUpdate.Add(12*time.Hour), list.NextUpdate, time.Minute)

	// The CRL's serial set must equal exactly the revoked set in scope.
	got := make(map[string]bool)
	for _, entry := range list.RevokedCertificateEntries {
		got[entry.SerialNumber.String()] = true
		assert.Equal(t, int(ledger.ReasonKeyCompromise), entry.ReasonCode)
	}
	assert.Len(t, got, len(revoked))
	for _, s := range revoked {
		assert.True(t, got[s], "serial %s missing from CRL", s)
	}

	// The assigned number is persisted back onto the included records.
	for _, s := range revoked {
		rec, err := l.FindBySerial(ctx, s)
		require.NoError(t, err)
		require.NotNil(t, rec.CRLNumber)
		assert.Equal(t, int64(0), *rec.CRLNumber)
	}
}

func TestGenerate_NumbersIncrease(t *testing.T) {
	ctx := t.Context()
	l, _ := seedLedger(t, 0, 1)
	signer, _ := newTestSigner(t, ledger.EngineOpenSSL)
	b := crl.NewBuilder(l.Store(), signer, crl.Config{ActiveScope: testScope()})

	for want := int64(0); want < 3; want++ {
		der, err := b.Generate(ctx, testScope())
		require.NoError(t, err)
		list, err := x509.ParseRevocationList(der)
		require.NoError(t, err)
		assert.Equal(t, want, list.Number.Int64())
	}
}

func TestGenerate_EmptyRevokedSet(t *testing.T) {
	ctx := t.Context()
	l, _ := seedLedger(t, 2, 0)
	signer, certs := newTestSigner(t, ledger.EngineOpenSSL)
	b := crl.NewBuilder(l.Store(), signer, crl.Config{ActiveScope: testScope()})

	der, err := b.Generate(ctx, ledger.Scope{})
	require.NoError(t, err)

	list, err := x509.ParseRevocationList(der)
	require.NoError(t, err)
	require.NoError(t, list.CheckSignatureFrom(certs[ledger.EngineOpenSSL]))
	assert.Empty(t, list.RevokedCertificateEntries)
}

func TestGenerate_ScopeIsolation(t *testing.T) {
	ctx := t.Context()
	l := ledger.New(memory.NewStore())
	signer, _ := newTestSigner(t, ledger.EngineOpenSSL, ledger.EngineCFSSL)

	mk := func(serial string, scope ledger.Scope) {
		_, err := l.Create(ctx, ledger.CreateRequest{
			SerialNumber: serial,
			Engine:       scope.Engine,
			InstanceID:   scope.InstanceID,
			Generation:   scope.Generation,
		})
		require.NoError(t, err)
		_, err = l.Revoke(ctx, ledger.RevokeRequest{SerialNumber: serial, ReasonCode: ledger.ReasonSuperseded})
		require.NoError(t, err)
	}
	scopeA := ledger.Scope{InstanceID: "abc", Generation: 1, Engine: ledger.EngineOpenSSL}
	scopeB := ledger.Scope{InstanceID: "abc", Generation: 2, Engine: ledger.EngineCFSSL}
	mk("100", scopeA)
	mk("200", scopeB)

	b := crl.NewBuilder(l.Store(), signer, crl.Config{ActiveScope: scopeA})

	der, err := b.Generate(ctx, scopeB)
	require.NoError(t, err)
	list, err := x509.ParseRevocationList(der)
	require.NoError(t, err)
	require.Len(t, list.RevokedCertificateEntries, 1)
	assert.Equal(t, "200", list.RevokedCertificateEntries[0].SerialNumber.String())

	// A wildcard instance dump sees both generations.
	der, err = b.Generate(ctx, ledger.Scope{InstanceID: "abc"})
	require.NoError(t, err)
	list, err = x509.ParseRevocationList(der)
	require.NoError(t, err)
	assert.Len(t, list.RevokedCertificateEntries, 2)
}

func TestGenerate_SignerUnavailable(t *testing.T) {
	ctx := t.Context()
	l, _ := seedLedger(t, 0, 1)
	// Signer with no issuer registered for the scope's engine.
	signer := crl.NewLocalSigner()
	b := crl.NewBuilder(l.Store(), signer, crl.Config{ActiveScope: testScope()})

	_, err := b.Generate(ctx, ledger.Scope{})
	assert.ErrorIs(t, err, crl.ErrGenerationFailed)
}

func TestLocalSigner_UnknownEngine(t *testing.T) {
	signer := crl.NewLocalSigner()
	_, err := signer.Sign(context.Background(), &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now(),
		NextUpdate: time.Now().Add(time.Hour),
	}, ledger.EngineCFSSL)
	assert.True(t, errors.Is(err, crl.ErrNoIssuer))
}
