package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dacostaca/WaterQualityMonitoring/internal/session"
)

// PostgresConfig tunes the pgx pool backing a PostgresStore.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	AppName         string
	Logger          *slog.Logger
}

// PostgresStore persists readings and the session history in Postgres. The
// reading log is append-only; the history table is rewritten in full on each
// mutation, mirroring the snapshot semantics of the file backend.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects, verifies the connection, and ensures the schema
// exists before returning.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if app := strings.TrimSpace(cfg.AppName); app != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = app
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	store := &PostgresStore{pool: pool, logger: cfg.Logger}
	if store.logger == nil {
		store.logger = slog.Default()
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS water_readings (
			id BIGSERIAL PRIMARY KEY,
			received_at TIMESTAMPTZ NOT NULL,
			device_id TEXT NOT NULL,
			device_timestamp BIGINT NOT NULL,
			rtc_timestamp BIGINT NOT NULL,
			rtc_wall_clock TEXT NOT NULL,
			rtc_datetime TEXT NOT NULL,
			reading_number BIGINT NOT NULL,
			sequence BIGINT NOT NULL,
			temperature DOUBLE PRECISION NOT NULL,
			ph DOUBLE PRECISION NOT NULL,
			turbidity DOUBLE PRECISION NOT NULL,
			tds DOUBLE PRECISION NOT NULL,
			ec DOUBLE PRECISION NOT NULL,
			sensor_status BIGINT NOT NULL,
			valid BOOLEAN NOT NULL,
			health_score DOUBLE PRECISION NOT NULL,
			rssi BIGINT NOT NULL,
			free_heap BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS water_sessions (
			session_id TEXT PRIMARY KEY,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			total_readings INTEGER NOT NULL,
			position INTEGER NOT NULL,
			data JSONB NOT NULL,
			summary JSONB NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// AppendReading inserts one reading row.
func (s *PostgresStore) AppendReading(r session.Reading) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO water_readings (
			received_at, device_id, device_timestamp, rtc_timestamp,
			rtc_wall_clock, rtc_datetime, reading_number, sequence,
			temperature, ph, turbidity, tds, ec, sensor_status, valid,
			health_score, rssi, free_heap
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ReceivedAt, r.DeviceID, r.Timestamp, r.RTCTimestamp,
		rtcWallClock(r.RTCTimestamp), r.RTCDatetime, r.ReadingNumber, r.Sequence,
		r.Temperature, r.PH, r.Turbidity, r.TDS, r.EC, r.SensorStatus, r.Valid,
		r.HealthScore, r.RSSI, r.FreeHeap,
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// LoadHistory returns all recorded sessions in their original order.
func (s *PostgresStore) LoadHistory() ([]session.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, start_time, end_time, total_readings, data, summary
		 FROM water_sessions ORDER BY position`)
	if err != nil {
		return []session.Session{}, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []session.Session{}
	for rows.Next() {
		var (
			sess        session.Session
			dataJSON    []byte
			summaryJSON []byte
		)
		if err := rows.Scan(&sess.ID, &sess.StartTime, &sess.EndTime, &sess.TotalReadings, &dataJSON, &summaryJSON); err != nil {
			return []session.Session{}, fmt.Errorf("scan session: %w", err)
		}
		if err := json.Unmarshal(dataJSON, &sess.Data); err != nil {
			return []session.Session{}, fmt.Errorf("decode session data: %w", err)
		}
		if err := json.Unmarshal(summaryJSON, &sess.Summary); err != nil {
			return []session.Session{}, fmt.Errorf("decode session summary: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return []session.Session{}, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// SaveHistory replaces the stored history with the given sessions inside a
// single transaction, preserving their order.
func (s *PostgresStore) SaveHistory(sessions []session.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin history rewrite: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM water_sessions`); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	for i, sess := range sessions {
		dataJSON, err := json.Marshal(sess.Data)
		if err != nil {
			return fmt.Errorf("encode session data: %w", err)
		}
		summaryJSON, err := json.Marshal(sess.Summary)
		if err != nil {
			return fmt.Errorf("encode session summary: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO water_sessions (session_id, start_time, end_time, total_readings, position, data, summary)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			sess.ID, sess.StartTime, sess.EndTime, sess.TotalReadings, i, dataJSON, summaryJSON,
		); err != nil {
			return fmt.Errorf("insert session %s: %w", sess.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit history rewrite: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// countSessions is used by integration tests to assert row counts.
func (s *PostgresStore) countSessions(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM water_sessions`).Scan(&count)
	if err != nil && err != pgx.ErrNoRows {
		return 0, err
	}
	return count, nil
}
