package store

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dacostaca/WaterQualityMonitoring/internal/session"
)

// csvColumns is the fixed reading-log schema. Order is load bearing: outside
// tooling parses the log positionally.
var csvColumns = []string{
	"timestamp_recepcion", "device_id", "timestamp_esp32",
	"rtc_timestamp", "datetime_rtc", "rtc_datetime_esp32",
	"reading_number", "sequence", "temperature", "ph",
	"turbidity", "tds", "ec", "sensor_status", "valid",
	"health_score", "rssi", "free_heap",
}

// FileStore is the default backend: CSV reading log plus a pretty-printed
// JSON history snapshot rewritten in full on every mutation.
type FileStore struct {
	csvPath     string
	historyPath string
	logger      *slog.Logger

	mu sync.Mutex
}

// NewFileStore builds a store writing the reading log to csvPath and the
// session history snapshot to historyPath. Neither file needs to exist yet.
func NewFileStore(csvPath, historyPath string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		csvPath:     csvPath,
		historyPath: historyPath,
		logger:      logger,
	}
}

// CSVPath reports where the reading log is written.
func (s *FileStore) CSVPath() string { return s.csvPath }

// HistoryPath reports where the session history snapshot is written.
func (s *FileStore) HistoryPath() string { return s.historyPath }

// AppendReading appends one row to the reading log, writing the header first
// when the log is empty. The row is flushed before returning so a crash never
// leaves a partially buffered reading.
func (s *FileStore) AppendReading(r session.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.csvPath), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(s.csvPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open reading log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat reading log: %w", err)
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(csvColumns); err != nil {
			return fmt.Errorf("write reading log header: %w", err)
		}
	}
	if err := writer.Write(readingRow(r)); err != nil {
		return fmt.Errorf("write reading log row: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush reading log: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync reading log: %w", err)
	}
	return nil
}

func readingRow(r session.Reading) []string {
	rtcDatetime := r.RTCDatetime
	if rtcDatetime == "" {
		rtcDatetime = "No disponible"
	}
	return []string{
		r.ReceivedAt.Format(time.RFC3339Nano),
		r.DeviceID,
		strconv.FormatInt(r.Timestamp, 10),
		strconv.FormatInt(r.RTCTimestamp, 10),
		rtcWallClock(r.RTCTimestamp),
		rtcDatetime,
		strconv.FormatInt(r.ReadingNumber, 10),
		strconv.FormatInt(r.Sequence, 10),
		formatFloat(r.Temperature),
		formatFloat(r.PH),
		formatFloat(r.Turbidity),
		formatFloat(r.TDS),
		formatFloat(r.EC),
		strconv.FormatInt(r.SensorStatus, 10),
		strconv.FormatBool(r.Valid),
		formatFloat(r.HealthScore),
		strconv.FormatInt(r.RSSI, 10),
		strconv.FormatInt(r.FreeHeap, 10),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// LoadHistory reads the session history snapshot. A missing file yields an
// empty history. A malformed file also yields an empty history together with
// the decode error so the caller can report it; startup continues either way.
func (s *FileStore) LoadHistory() ([]session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.historyPath)
	if errors.Is(err, os.ErrNotExist) {
		return []session.Session{}, nil
	} else if err != nil {
		return []session.Session{}, fmt.Errorf("open history snapshot: %w", err)
	}
	defer file.Close()

	var sessions []session.Session
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&sessions); err != nil {
		if errors.Is(err, io.EOF) {
			return []session.Session{}, nil
		}
		return []session.Session{}, fmt.Errorf("decode history snapshot: %w", err)
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	return sessions, nil
}

// SaveHistory rewrites the entire snapshot through a temp file and rename so
// a crash mid-write never corrupts the previous snapshot.
func (s *FileStore) SaveHistory(sessions []session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessions == nil {
		sessions = []session.Session{}
	}
	dir := filepath.Dir(s.historyPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, "sessions-*.json")
	if err != nil {
		return fmt.Errorf("create temp history file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(sessions); err != nil {
		return fmt.Errorf("encode history snapshot: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush history snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp history file: %w", err)
	}
	if err := os.Rename(tmpPath, s.historyPath); err != nil {
		return fmt.Errorf("replace history snapshot: %w", err)
	}
	success = true
	return nil
}
