package api_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libresign/certledger/api"
	"github.com/libresign/certledger/crl"
	"github.com/libresign/certledger/ledger"
	"github.com/libresign/certledger/ledger/memory"
)

var testScope = ledger.Scope{InstanceID: "lab", Generation: 1, Engine: ledger.EngineOpenSSL}

func newTestSigner(t *testing.T) (*crl.LocalSigner, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "certledger test CA"},
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

	signer := crl.NewLocalSigner()
	signer.AddIssuer(ledger.EngineOpenSSL, cert, key)
	return signer, cert
}

func setupServer(t *testing.T) (*httptest.Server, *ledger.Ledger) {
	t.Helper()
	store := memory.NewStore()
	l := ledger.New(store)
	signer, _ := newTestSigner(t)
	builder := crl.NewBuilder(store, signer, crl.Config{ActiveScope: testScope})

	a := api.New(l, builder)
	r := chi.NewRouter()
	r.Mount("/", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, l
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func seedCertificate(t *testing.T, l *ledger.Ledger, serial, owner string) {
	t.Helper()
	_, err := l.Create(t.Context(), ledger.CreateRequest{
		SerialNumber: serial,
		Owner:        owner,
		Engine:       testScope.Engine,
		InstanceID:   testScope.InstanceID,
		Generation:   testScope.Generation,
	})
	require.NoError(t, err)
}

func TestRevokeAndCheck(t *testing.T) {
	srv, l := setupServer(t)
	seedCertificate(t, l, "1001", "alice")

	resp := doJSON(t, http.MethodGet, srv.URL+"/crl/check/1001", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var check ledger.CheckResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&check))
	assert.Equal(t, ledger.DisplayIssued, check.Status)

	reason := 1
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/crl/revoke", api.RevokeRequest{
		SerialNumber: "1001",
		ReasonCode:   &reason,
		RevokedBy:    "admin",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var revoke api.RevokeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&revoke))
	assert.True(t, revoke.Success)
	assert.Contains(t, revoke.Message, "keyCompromise")

	resp = doJSON(t, http.MethodGet, srv.URL+"/crl/check/1001", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&check))
	assert.Equal(t, ledger.DisplayRevoked, check.Status)
}

func TestRevokeValidation(t *testing.T) {
	srv, l := setupServer(t)
	seedCertificate(t, l, "2001", "bob")

	reason := 1
	reserved := 7
	outOfRange := 11

	cases := []struct {
		name string
		req  api.RevokeRequest
		want int
	}{
		{"missing serial", api.RevokeRequest{ReasonCode: &reason}, http.StatusBadRequest},
		{"missing reason", api.RevokeRequest{SerialNumber: "2001"}, http.StatusBadRequest},
		{"reserved reason", api.RevokeRequest{SerialNumber: "2001", ReasonCode: &reserved}, http.StatusBadRequest},
		{"reason out of range", api.RevokeRequest{SerialNumber: "2001", ReasonCode: &outOfRange}, http.StatusBadRequest},
		{"unknown serial", api.RevokeRequest{SerialNumber: "999999", ReasonCode: &reason}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/crl/revoke", tc.req)
			defer resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}

	// A failed attempt leaves the certificate untouched.
	resp := doJSON(t, http.MethodGet, srv.URL+"/crl/check/2001", nil)
	defer resp.Body.Close()
	var check ledger.CheckResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&check))
	assert.Equal(t, ledger.DisplayIssued, check.Status)
}

func TestRevokeTwice(t *testing.T) {
	srv, l := setupServer(t)
	seedCertificate(t, l, "3001", "carol")

	reason := 4
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/crl/revoke", api.RevokeRequest{
		SerialNumber: "3001",
		ReasonCode:   &reason,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/crl/revoke", api.RevokeRequest{
		SerialNumber: "3001",
		ReasonCode:   &reason,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheckSerialValidation(t *testing.T) {
	srv, _ := setupServer(t)

	for _, serial := range []string{"abc", "-5", "0", "12x4"} {
		resp := doJSON(t, http.MethodGet, srv.URL+"/crl/check/"+serial, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "serial %q", serial)
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/crl/check/424242", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var check ledger.CheckResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&check))
	assert.Equal(t, ledger.DisplayNotFound, check.Status)
}

func TestListFilterAndPagination(t *testing.T) {
	srv, l := setupServer(t)
	for _, serial := range []string{"100", "101", "102", "103", "104"} {
		seedCertificate(t, l, serial, "owner-"+serial)
	}
	reason := 0
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/crl/revoke", api.RevokeRequest{
		SerialNumber: "102",
		ReasonCode:   &reason,
		RevokedBy:    "admin",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/crl/list?status=revoked", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list api.ListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "102", list.Data[0].SerialNumber)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/crl/list?page=2&length=2&sortBy=serial_number&sortOrder=asc", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Data, 2)
	assert.Equal(t, 5, list.Total)
	assert.Equal(t, 2, list.Page)
	assert.Equal(t, "102", list.Data[0].SerialNumber)
	assert.Equal(t, "103", list.Data[1].SerialNumber)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/crl/list?status=bogus", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadCRL(t *testing.T) {
	srv, l := setupServer(t)
	seedCertificate(t, l, "501", "dave")
	seedCertificate(t, l, "502", "dave")
	reason := 5
	_, err := l.Revoke(context.Background(), ledger.RevokeRequest{
		SerialNumber: "502",
		ReasonCode:   ledger.ReasonCode(reason),
	})
	require.NoError(t, err)

	resp := doJSON(t, http.MethodGet, srv.URL+"/crl", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pkix-crl", resp.Header.Get("Content-Type"))

	der, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	parsed, err := x509.ParseRevocationList(der)
	require.NoError(t, err)

	require.Len(t, parsed.RevokedCertificateEntries, 1)
	assert.Equal(t, "502", parsed.RevokedCertificateEntries[0].SerialNumber.String())
	assert.Equal(t, reason, parsed.RevokedCertificateEntries[0].ReasonCode)
	assert.Zero(t, parsed.Number.Int64())

	// Each download advances the scope's CRL number.
	resp = doJSON(t, http.MethodGet, srv.URL+"/crl", nil)
	defer resp.Body.Close()
	der, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	parsed, err = x509.ParseRevocationList(der)
	require.NoError(t, err)
	assert.Equal(t, int64(1), parsed.Number.Int64())
}

func TestDownloadCRLBadScope(t *testing.T) {
	srv, _ := setupServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/crl?generation=nope", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/crl?engine=bogus", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatistics(t *testing.T) {
	srv, l := setupServer(t)
	seedCertificate(t, l, "700", "erin")
	seedCertificate(t, l, "701", "erin")
	seedCertificate(t, l, "702", "erin")
	for _, serial := range []string{"701", "702"} {
		_, err := l.Revoke(context.Background(), ledger.RevokeRequest{
			SerialNumber: serial,
			ReasonCode:   ledger.ReasonCessationOfOperation,
		})
		require.NoError(t, err)
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/crl/statistics", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats api.StatisticsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Statuses[ledger.StatusIssued])
	assert.Equal(t, 2, stats.Statuses[ledger.StatusRevoked])
	require.Contains(t, stats.Reasons, int(ledger.ReasonCessationOfOperation))
	assert.Equal(t, 2, stats.Reasons[int(ledger.ReasonCessationOfOperation)].Count)
	assert.Equal(t, "cessationOfOperation", stats.Reasons[int(ledger.ReasonCessationOfOperation)].Description)
}

func TestOpenAPISpecServed(t *testing.T) {
	srv, _ := setupServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/openapi.yaml", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "certledger")
}
