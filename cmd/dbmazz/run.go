package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dbmazz/dbmazz/internal/config"
	"github.com/dbmazz/dbmazz/internal/controlapi"
	"github.com/dbmazz/dbmazz/internal/engine"
	"github.com/dbmazz/dbmazz/internal/metrics"
	"github.com/dbmazz/dbmazz/internal/pipeline"
	"github.com/dbmazz/dbmazz/internal/sink/starrocks"
	"github.com/dbmazz/dbmazz/internal/walsource"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start streaming changes from PostgreSQL into StarRocks",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received termination signal, shutting down gracefully")
		stop()
	}()

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

	counters := metrics.NewCounters()

	sqlClient, err := starrocks.NewSQLClient(cfg.StarRocks.SQLAddr, cfg.StarRocks.User, cfg.StarRocks.Password, cfg.StarRocks.Database)
	if err != nil {
		return fmt.Errorf("connecting to starrocks sql port: %w", err)
	}
	defer sqlClient.Close()

	streamClient := starrocks.NewClient(starrocks.ClientConfig{
		BaseURL:  cfg.StarRocks.StreamLoadURL,
		Database: cfg.StarRocks.Database,
		User:     cfg.StarRocks.User,
		Password: cfg.StarRocks.Password,
	}, counters)

	var labelSeq uint64
	sink := starrocks.NewSink(streamClient, counters, func() string {
		return fmt.Sprintf("%d-%s", atomic.AddUint64(&labelSeq, 1), uuid.NewString())
	})

	eng := engine.New(engine.Deps{
		ReplConn: replConn,
		Pool:     pool,
		WALSource: walsource.Config{
			SlotName:        cfg.Source.SlotName,
			PublicationName: cfg.Source.PublicationName,
		},
		Sink:     sink.Flush,
		DDL:      sqlClient,
		Pipeline: pipeline.Config(cfg.Pipeline),
		SlotName: cfg.Source.SlotName,
		Logger:   logger,
		Counters: counters,
	})

	facade := controlapi.New(eng, stop, controlapi.Options{Addr: fmt.Sprintf(":%d", cfg.ControlAPI.Port)}, logger)
	facade.Start(ctx)

	logger.Info("engine starting", zap.Strings("tables", cfg.Source.Tables))
	err = eng.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("engine stopped: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// replicationConnString appends replication=database to a Postgres
// connection string/URL that doesn't already carry it, the parameter
// pgconn.Connect requires to open a logical replication-mode connection.
func replicationConnString(raw string) string {
	if strings.Contains(raw, "replication=") {
		return raw
	}
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + "replication=database"
}
