// ledgerctl is the operator CLI for the token ledger.
//
// Usage:
//
//	ledgerctl migrate up
//	ledgerctl seed --balance 100
//	ledgerctl grant --user user-1 --amount 50 --reason "support credit"
//	ledgerctl balance --user user-1
//	ledgerctl send --conversation conv-1 --user user-1 --kind text --content hi
//	ledgerctl price --kind text --country FR --policy-file policy.json
//	ledgerctl token --user user-1 --role client
package main

import (
	"context"
	"fmt"
	"os"

	"persona-ledger/internal/config"
	"persona-ledger/internal/repository"
	"persona-ledger/pkg/logger"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, cfgErr := config.LoadStore()

	a := &app{
		out: os.Stdout,
		log: logger.NewWithWriter(os.Stderr, cfg.App.Env),
		cfg: cfg,
		open: func(ctx context.Context) (*repository.Backend, error) {
			if cfgErr != nil {
				return nil, fmt.Errorf("config: %w", cfgErr)
			}
			return repository.Open(ctx, cfg)
		},
	}

	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
