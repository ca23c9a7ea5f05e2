package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing-but-unused.yaml"))
	require.Error(t, err) // explicit path must exist

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 24*time.Hour, cfg.CRL.ValidityWindow)
	assert.Equal(t, 365*24*time.Hour, cfg.Retention.Window)
	assert.Zero(t, cfg.Retention.Interval)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9443"
storage:
  backend: sqlite
  path: /var/lib/certledger/ledger.db
scope:
  instance_id: prod-eu
  generation: 3
  engine: cfssl
crl:
  validity_window: 12h
  signers:
    - engine: cfssl
      cert_file: /etc/certledger/ca.pem
      key_file: /etc/certledger/ca.key
retention:
  window: 2160h
  interval: 1h
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9443", cfg.Listen)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/certledger/ledger.db", cfg.Storage.Path)
	assert.Equal(t, "prod-eu", cfg.Scope.InstanceID)
	assert.Equal(t, 3, cfg.Scope.Generation)
	assert.Equal(t, 12*time.Hour, cfg.CRL.ValidityWindow)
	require.Len(t, cfg.CRL.Signers, 1)
	assert.Equal(t, "cfssl", cfg.CRL.Signers[0].Engine)
	assert.Equal(t, time.Hour, cfg.Retention.Interval)
}

func TestValidate(t *testing.T) {
	cfg := &Config{Storage: StorageConfig{Backend: "bolt"}}
	assert.Error(t, cfg.Validate())

	cfg = &Config{Storage: StorageConfig{Backend: BackendPostgres}}
	assert.Error(t, cfg.Validate())

	cfg = &Config{Storage: StorageConfig{Backend: BackendSQLite}}
	assert.Error(t, cfg.Validate())

	cfg = &Config{
		Storage: StorageConfig{Backend: BackendMemory},
		CRL:     CRLConfig{Signers: []SignerConfig{{Engine: "openssl"}}},
	}
	assert.Error(t, cfg.Validate())

	cfg = &Config{
		Storage: StorageConfig{Backend: BackendSQLite, Path: "x.db"},
		CRL: CRLConfig{Signers: []SignerConfig{{
			Engine: "openssl", CertFile: "ca.pem", KeyFile: "ca.key",
		}}},
	}
	assert.NoError(t, cfg.Validate())
}
