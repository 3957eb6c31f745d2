package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/dbmazz/dbmazz/internal/setup"
	"github.com/dbmazz/dbmazz/internal/sink/starrocks"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Run the one-shot idempotent source and sink bootstrap",
	RunE:  runSetup,
}

func runSetup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.Source.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to source database: %w", err)
	}
	defer pool.Close()

	replConn, err := pgconn.Connect(ctx, replicationConnString(cfg.Source.DatabaseURL))
	if err != nil {
		return fmt.Errorf("opening replication connection: %w", err)
	}
	defer replConn.Close(ctx)

	logger.Info("running source bootstrap")
	if err := setup.Source(ctx, pool, replConn, setup.SourceConfig{
		SlotName:        cfg.Source.SlotName,
		PublicationName: cfg.Source.PublicationName,
		Tables:          cfg.Source.Tables,
	}); err != nil {
		return fmt.Errorf("source setup: %w", err)
	}

	sqlClient, err := starrocks.NewSQLClient(cfg.StarRocks.SQLAddr, cfg.StarRocks.User, cfg.StarRocks.Password, cfg.StarRocks.Database)
	if err != nil {
		return fmt.Errorf("connecting to starrocks sql port: %w", err)
	}
	defer sqlClient.Close()

	logger.Info("running sink bootstrap")
	if err := setup.Sink(ctx, sqlClient, cfg.Source.Tables); err != nil {
		return fmt.Errorf("sink setup: %w", err)
	}

	logger.Info("setup complete")
	return nil
}
