// SPDX-License-Identifier: Apache-2.0

// Command cli is the operator tool: schema migration, API key
// management, manual wallet operations and the notification relay.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runledger/runledger/internal/config"
	"github.com/runledger/runledger/internal/domain"
	"github.com/runledger/runledger/internal/logging"
	"github.com/runledger/runledger/internal/persistence/postgres"
	"github.com/runledger/runledger/internal/repository"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cfg := config.Load()
	logger := logging.NewLogger(cfg.Env)
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "db connect failed: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	switch os.Args[1] {
	case "migrate":
		err = postgres.EnsureSchema(ctx, pool, logger)
	case "create-api-key":
		err = runCreateAPIKey(ctx, pool, os.Args[2:])
	case "topup":
		err = runTopUp(ctx, pool, os.Args[2:])
	case "balance":
		err = runBalance(ctx, pool, os.Args[2:])
	case "relay":
		err = runRelay(ctx, pool, os.Args[2:])
	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, `usage: cli <command> [flags]

commands:
  migrate           apply pending schema migrations
  create-api-key    mint an API key (-name, -rpm, -wallet to scope it)
  topup             credit a wallet (-wallet, -credits, -reference)
  balance           print a wallet balance (-wallet, -pending)
  relay             drain the notification outbox to stdout (-batch, -follow)`)
}

func runCreateAPIKey(ctx context.Context, pool *pgxpool.Pool, args []string) error {
	fs := flag.NewFlagSet("create-api-key", flag.ExitOnError)
	name := fs.String("name", "", "key name")
	rpm := fs.Int("rpm", domain.DefaultMaxRequestsPerMin, "max requests per minute")
	wallet := fs.String("wallet", "", "scope the key to one wallet id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	params := domain.CreateAPIKeyParams{
		Name:              *name,
		MaxRequestsPerMin: *rpm,
	}
	if *wallet != "" {
		walletID, err := uuid.Parse(*wallet)
		if err != nil {
			return fmt.Errorf("invalid -wallet: %w", err)
		}
		params.WalletID = &walletID
	}

	repo := repository.NewAPIKeyRepository(pool, nil)
	created, err := repo.CreateAPIKey(ctx, params)
	if err != nil {
		return err
	}

	fmt.Printf("api_key_id: %s\ntoken: %s\n", created.ID, created.Token)
	return nil
}

func runTopUp(ctx context.Context, pool *pgxpool.Pool, args []string) error {
	fs := flag.NewFlagSet("topup", flag.ExitOnError)
	wallet := fs.String("wallet", "", "wallet id")
	credits := fs.Float64("credits", 0, "amount to add")
	reference := fs.String("reference", "", "external reference")
	if err := fs.Parse(args); err != nil {
		return err
	}

	walletID, err := uuid.Parse(*wallet)
	if err != nil {
		return fmt.Errorf("invalid -wallet: %w", err)
	}

	repo := repository.NewTransactionRepository(pool, nil)
	entry, err := repo.CreateTopUp(ctx, walletID, domain.CreditsFromFloat(*credits), *reference)
	if err != nil {
		return err
	}

	fmt.Printf("transaction %s: wallet %s credited %s\n", entry.ID, walletID, entry.Credits)
	return nil
}

func runBalance(ctx context.Context, pool *pgxpool.Pool, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	wallet := fs.String("wallet", "", "wallet id")
	pending := fs.Bool("pending", true, "include open accruals")
	if err := fs.Parse(args); err != nil {
		return err
	}

	walletID, err := uuid.Parse(*wallet)
	if err != nil {
		return fmt.Errorf("invalid -wallet: %w", err)
	}

	repo := repository.NewTransactionRepository(pool, nil)
	balance, err := repo.SumBalance(ctx, walletID, *pending)
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", balance)
	return nil
}

// runRelay drains unpublished wallet notifications to stdout as JSON
// lines and marks them published. With -follow it keeps polling, which
// is enough to pipe notifications into an external delivery system.
func runRelay(ctx context.Context, pool *pgxpool.Pool, args []string) error {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	batch := fs.Int("batch", 100, "notifications per poll")
	follow := fs.Bool("follow", false, "keep polling for new notifications")
	if err := fs.Parse(args); err != nil {
		return err
	}

	repo := repository.NewNotificationRepository(pool, nil)
	enc := json.NewEncoder(os.Stdout)

	for {
		records, err := repo.ListUnpublished(ctx, *batch)
		if err != nil {
			return err
		}

		ids := make([]uuid.UUID, 0, len(records))
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
			ids = append(ids, rec.ID)
		}
		if len(ids) > 0 {
			if err := repo.MarkPublished(ctx, ids); err != nil {
				return err
			}
		}

		if !*follow {
			return nil
		}
		if len(records) == 0 {
			time.Sleep(time.Second)
		}
	}
}
