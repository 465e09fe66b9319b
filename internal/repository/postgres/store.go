// Package postgres implements the ledger store on Postgres through the pgx
// database/sql driver.
//
// Every unit of work runs at SERIALIZABLE isolation: reads come from one
// snapshot and Postgres aborts the commit (SQLSTATE 40001) when a concurrent
// transaction changed any row this one read or wrote. Those aborts surface
// as ledger.ErrConflict so the coordinator can re-run the attempt.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"persona-ledger/internal/ledger"
	"persona-ledger/pkg/utils"
)

const defaultPolicyID = "default"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	err := utils.WithTx(ctx, s.db, opts, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
	if err != nil && utils.IsSerializationFailure(err) {
		return fmt.Errorf("postgres: %w: %w", ledger.ErrConflict, err)
	}
	return err
}
