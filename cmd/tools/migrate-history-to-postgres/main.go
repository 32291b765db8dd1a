// Command migrate-history-to-postgres copies the session history snapshot
// from its JSON file into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dacostaca/WaterQualityMonitoring/internal/store"
)

func main() {
	historyPath := flag.String("history", "web/sessions_history.json", "path to the session history snapshot to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("WATERMON_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, WATERMON_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	fileStore := store.NewFileStore("", *historyPath, logger)
	sessions, err := fileStore.LoadHistory()
	if err != nil {
		logger.Error("failed to load session history", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded session history", "path", *historyPath, "sessions", len(sessions))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := store.NewPostgresStore(ctx, store.PostgresConfig{
		DSN:     dsn,
		AppName: "migrate-history-to-postgres",
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to open postgres store", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	if err := pg.SaveHistory(sessions); err != nil {
		logger.Error("failed to import session history", "error", err)
		os.Exit(1)
	}

	if err := verifyCount(ctx, dsn, len(sessions)); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "sessions", len(sessions))
}

func verifyCount(ctx context.Context, dsn string, expected int) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	var actual int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM water_sessions").Scan(&actual); err != nil {
		return fmt.Errorf("count sessions: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("mismatch for sessions: expected %d, got %d", expected, actual)
	}
	return nil
}
