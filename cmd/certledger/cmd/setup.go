package cmd

import (
	"context"
	"fmt"

	"github.com/libresign/certledger/crl"
	"github.com/libresign/certledger/internal/config"
	"github.com/libresign/certledger/ledger"
	"github.com/libresign/certledger/ledger/memory"
	"github.com/libresign/certledger/ledger/postgres"
	"github.com/libresign/certledger/ledger/sqlite"
)

// openStore opens the configured ledger store and, for the SQL backends,
// ensures the schema exists.
func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return memory.NewStore(), nil
	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case config.BackendPostgres:
		store, err := postgres.NewStoreFromDSN(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, store.Pool()); err != nil {
			store.Close()
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// loadSigner builds the CRL signer from the configured per-engine issuer
// credentials.
func loadSigner(cfg *config.Config) (*crl.LocalSigner, error) {
	signer := crl.NewLocalSigner()
	for _, s := range cfg.CRL.Signers {
		engine, err := ledger.ParseEngine(s.Engine)
		if err != nil {
			return nil, err
		}
		if err := signer.LoadIssuerFiles(engine, s.CertFile, s.KeyFile); err != nil {
			return nil, fmt.Errorf("load issuer for %s: %w", engine, err)
		}
	}
	return signer, nil
}

// activeScope translates the configured scope.
func activeScope(cfg *config.Config) (ledger.Scope, error) {
	engine, err := ledger.ParseEngine(cfg.Scope.Engine)
	if err != nil {
		return ledger.Scope{}, err
	}
	return ledger.Scope{
		InstanceID: cfg.Scope.InstanceID,
		Generation: cfg.Scope.Generation,
		Engine:     engine,
	}, nil
}
