// Package repository selects and opens the configured store backend.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"persona-ledger/internal/audit"
	"persona-ledger/internal/config"
	"persona-ledger/internal/ledger"
	"persona-ledger/internal/repository/dynamo"
	"persona-ledger/internal/repository/postgres"
	"persona-ledger/pkg/utils"

	// database/sql driver "pgx"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store is everything a backend provides: ledger transactions, the message
// log read by reports and the seeding writes used by ledgerctl.
type Store interface {
	ledger.Store
	ledger.MessageLog
	ledger.Seeder
}

// Backend is an opened store with its audit sink.
type Backend struct {
	Name  string
	Store Store
	Audit audit.Repository

	// DB is set for the postgres backend only (migrations).
	DB *sql.DB

	ping  func(ctx context.Context) error
	close func() error
}

// Ping reports backend reachability. Backends without a cheap health check always
// report healthy.
func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open opens cfg.Store.Backend. The memory backend starts empty.
func Open(ctx context.Context, cfg config.Config) (*Backend, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &Backend{
			Name:  config.BackendPostgres,
			Store: postgres.New(db),
			Audit: postgres.NewAuditRepo(db),
			DB:    db,
			ping: func(ctx context.Context) error {
				return utils.HealthCheck(ctx, db, 2*time.Second)
			},
			close: db.Close,
		}, nil

	case config.BackendDynamo:
		awsCfg, err := utils.LoadAWSConfig(ctx, cfg.Dynamo.Region)
		if err != nil {
			return nil, err
		}
		client := utils.NewDynamoClient(awsCfg, cfg.Dynamo.Endpoint)
		store, err := dynamo.New(client, cfg.Dynamo.Table)
		if err != nil {
			return nil, err
		}
		auditRepo, err := dynamo.NewAuditRepo(client, cfg.Dynamo.Table)
		if err != nil {
			return nil, err
		}
		return &Backend{Name: config.BackendDynamo, Store: store, Audit: auditRepo}, nil

	case config.BackendMemory:
		return &Backend{
			Name:  config.BackendMemory,
			Store: ledger.NewMemoryStore(),
			Audit: audit.NewMemoryRepo(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
