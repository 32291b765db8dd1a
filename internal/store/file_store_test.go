package store

import (
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dacostaca/WaterQualityMonitoring/internal/session"
)

func TestAppendReadingWritesHeaderOnce(t *testing.T) {
	fileStore := newFileStore(t)

	first := sampleReading(1)
	second := sampleReading(2)
	if err := fileStore.AppendReading(first); err != nil {
		t.Fatalf("AppendReading: %v", err)
	}
	if err := fileStore.AppendReading(second); err != nil {
		t.Fatalf("AppendReading: %v", err)
	}

	rows := readCSV(t, fileStore.CSVPath())
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "timestamp_recepcion" || len(rows[0]) != len(csvColumns) {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	if rows[1][1] != "ESP32_WaterMonitor" || rows[1][6] != "1" {
		t.Fatalf("unexpected first row: %v", rows[1])
	}
	if rows[2][6] != "2" {
		t.Fatalf("unexpected second row: %v", rows[2])
	}
}

func TestAppendReadingRTCColumns(t *testing.T) {
	fileStore := newFileStore(t)

	// A reading whose RTC never synced: placeholder datetime, empty wall
	// clock column.
	unsynced := sampleReading(1)
	unsynced.RTCTimestamp = rtcEpochFloor - 1
	unsynced.RTCDatetime = ""
	if err := fileStore.AppendReading(unsynced); err != nil {
		t.Fatalf("AppendReading: %v", err)
	}

	synced := sampleReading(2)
	synced.RTCTimestamp = rtcEpochFloor + 1
	if err := fileStore.AppendReading(synced); err != nil {
		t.Fatalf("AppendReading: %v", err)
	}

	rows := readCSV(t, fileStore.CSVPath())
	if rows[1][4] != "" {
		t.Fatalf("expected empty datetime_rtc for unsynced clock, got %q", rows[1][4])
	}
	if rows[1][5] != "No disponible" {
		t.Fatalf("expected placeholder rtc_datetime, got %q", rows[1][5])
	}
	if rows[2][4] != "2021-01-01 00:00:01" {
		t.Fatalf("unexpected datetime_rtc %q", rows[2][4])
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	fileStore := newFileStore(t)

	sessions := []session.Session{
		{
			ID:            "session_1700000000_aa",
			StartTime:     time.Date(2023, 11, 14, 22, 0, 0, 0, time.UTC),
			EndTime:       time.Date(2023, 11, 14, 22, 5, 0, 0, time.UTC),
			TotalReadings: 1,
			Data:          []session.Reading{sampleReading(1)},
			Summary: session.Summary{
				Temperature: session.Stats{Avg: 21.5, Min: 21.5, Max: 21.5},
			},
		},
	}
	if err := fileStore.SaveHistory(sessions); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}

	loaded, err := fileStore.LoadHistory()
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != sessions[0].ID {
		t.Fatalf("unexpected history: %+v", loaded)
	}
	if loaded[0].Summary.Temperature.Avg != 21.5 {
		t.Fatalf("summary lost in round trip: %+v", loaded[0].Summary)
	}
	if len(loaded[0].Data) != 1 || loaded[0].Data[0].ReadingNumber != 1 {
		t.Fatalf("readings lost in round trip: %+v", loaded[0].Data)
	}
}

func TestLoadHistoryMissingFile(t *testing.T) {
	fileStore := newFileStore(t)
	sessions, err := fileStore.LoadHistory()
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if sessions == nil || len(sessions) != 0 {
		t.Fatalf("expected empty history, got %+v", sessions)
	}
}

func TestLoadHistoryMalformedFile(t *testing.T) {
	fileStore := newFileStore(t)
	if err := os.MkdirAll(filepath.Dir(fileStore.HistoryPath()), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(fileStore.HistoryPath(), []byte("{corrupt"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sessions, err := fileStore.LoadHistory()
	if err == nil {
		t.Fatal("expected decode error for corrupt snapshot")
	}
	if sessions == nil || len(sessions) != 0 {
		t.Fatalf("expected empty history alongside the error, got %+v", sessions)
	}
}

func TestLoadHistoryEmptyFile(t *testing.T) {
	fileStore := newFileStore(t)
	if err := os.MkdirAll(filepath.Dir(fileStore.HistoryPath()), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(fileStore.HistoryPath(), nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sessions, err := fileStore.LoadHistory()
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected empty history, got %+v", sessions)
	}
}

func TestSaveHistoryNilBecomesEmptyList(t *testing.T) {
	fileStore := newFileStore(t)
	if err := fileStore.SaveHistory(nil); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}
	data, err := os.ReadFile(fileStore.HistoryPath())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := string(data); got != "[]\n" {
		t.Fatalf("expected empty JSON list, got %q", got)
	}
}

func TestSaveHistoryLeavesNoTempFiles(t *testing.T) {
	fileStore := newFileStore(t)
	if err := fileStore.SaveHistory([]session.Session{{ID: "session_1_aa"}}); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(fileStore.HistoryPath()))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() != filepath.Base(fileStore.HistoryPath()) {
			t.Fatalf("unexpected leftover file %q", entry.Name())
		}
	}
}

func TestRTCWallClock(t *testing.T) {
	if got := rtcWallClock(0); got != "" {
		t.Fatalf("epoch zero should be implausible, got %q", got)
	}
	if got := rtcWallClock(rtcEpochFloor); got != "" {
		t.Fatalf("floor itself should be implausible, got %q", got)
	}
	if got := rtcWallClock(rtcEpochFloor + 1); got != "2021-01-01 00:00:01" {
		t.Fatalf("unexpected wall clock %q", got)
	}
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewFileStore(filepath.Join(dir, "data", "readings.csv"), filepath.Join(dir, "web", "history.json"), logger)
}

func sampleReading(number int64) session.Reading {
	return session.Reading{
		ReceivedAt:    time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC),
		DeviceID:      "ESP32_WaterMonitor",
		Timestamp:     123000 + number,
		RTCTimestamp:  1700000000,
		RTCDatetime:   "2023-11-14 22:13:20",
		ReadingNumber: number,
		Sequence:      number,
		Temperature:   21.5,
		PH:            7.1,
		Turbidity:     1.4,
		TDS:           310,
		EC:            620,
		SensorStatus:  0,
		Valid:         true,
		HealthScore:   98,
		RSSI:          -60,
		FreeHeap:      180000,
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}
