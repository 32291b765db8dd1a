//go:build mongo

package store

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/dacostaca/WaterQualityMonitoring/internal/session"
)

// openMongoStore connects to the deployment named by WATERMON_TEST_MONGO_URI
// and drops both collections so each test starts clean. The URI must point at
// a database dedicated to automated runs.
func openMongoStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("WATERMON_TEST_MONGO_URI")
	if strings.TrimSpace(uri) == "" {
		t.Skip("WATERMON_TEST_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mg, err := NewMongoStore(ctx, MongoConfig{URI: uri, Database: "watermonitor_test", Logger: logger})
	if err != nil {
		t.Fatalf("open mongo store: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = mg.Close(closeCtx)
	})

	if _, err := mg.readings.DeleteMany(ctx, bson.M{}); err != nil {
		t.Fatalf("clear readings: %v", err)
	}
	if _, err := mg.sessions.DeleteMany(ctx, bson.M{}); err != nil {
		t.Fatalf("clear sessions: %v", err)
	}
	return mg
}

func TestMongoHistoryRoundTrip(t *testing.T) {
	mg := openMongoStore(t)

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	sessions := []session.Session{
		{
			ID:            "session_1714557600_a1b2",
			StartTime:     start,
			EndTime:       start.Add(time.Minute),
			TotalReadings: 1,
			Data: []session.Reading{{
				ReceivedAt:    start,
				DeviceID:      "ESP32_WaterMonitor",
				Timestamp:     1714557600,
				ReadingNumber: 1,
				Sequence:      1,
				Temperature:   21.5,
				PH:            7.1,
				Turbidity:     3.2,
				TDS:           410,
				Valid:         true,
			}},
			Summary: session.Summary{
				Temperature: session.Stats{Avg: 21.5, Min: 21.5, Max: 21.5},
			},
		},
		{
			ID:        "session_1714561200_c3d4",
			StartTime: start.Add(time.Hour),
			EndTime:   start.Add(time.Hour + time.Minute),
			Data:      []session.Reading{},
		},
	}

	if err := mg.SaveHistory(sessions); err != nil {
		t.Fatalf("save history: %v", err)
	}
	loaded, err := mg.LoadHistory()
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(loaded))
	}
	if loaded[0].ID != sessions[0].ID || loaded[1].ID != sessions[1].ID {
		t.Fatalf("session order not preserved: %s, %s", loaded[0].ID, loaded[1].ID)
	}
	if got := loaded[0].Summary.Temperature.Avg; got != 21.5 {
		t.Fatalf("expected temperature avg 21.5, got %v", got)
	}

	// A second rewrite replaces the first entirely.
	if err := mg.SaveHistory(sessions[1:]); err != nil {
		t.Fatalf("rewrite history: %v", err)
	}
	loaded, err = mg.LoadHistory()
	if err != nil {
		t.Fatalf("reload history: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != sessions[1].ID {
		t.Fatalf("expected only %s to remain, got %+v", sessions[1].ID, loaded)
	}
}

func TestMongoAppendReading(t *testing.T) {
	mg := openMongoStore(t)

	r := session.Reading{
		ReceivedAt:    time.Now().UTC(),
		DeviceID:      "ESP32_WaterMonitor",
		Timestamp:     42,
		ReadingNumber: 7,
		Temperature:   19.8,
		PH:            6.9,
		Valid:         true,
	}
	if err := mg.AppendReading(r); err != nil {
		t.Fatalf("append reading: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	count, err := mg.readings.CountDocuments(ctx, bson.M{"reading_number": int64(7)})
	if err != nil {
		t.Fatalf("count readings: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 reading document, got %d", count)
	}
}
