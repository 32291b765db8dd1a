package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/dacostaca/WaterQualityMonitoring/internal/session"
)

// MongoConfig configures the Mongo-backed store.
type MongoConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// MongoStore keeps the reading log in a readings collection and the session
// history in a sessions collection. Sessions are stored as their canonical
// JSON payload so the snapshot round-trips exactly like the file backend.
type MongoStore struct {
	client   *mongo.Client
	readings *mongo.Collection
	sessions *mongo.Collection
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMongoStore connects and verifies the deployment is reachable.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	database := strings.TrimSpace(cfg.Database)
	if database == "" {
		database = "watermonitor"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(database)
	store := &MongoStore{
		client:   client,
		readings: db.Collection("readings"),
		sessions: db.Collection("sessions"),
		timeout:  timeout,
		logger:   cfg.Logger,
	}
	if store.logger == nil {
		store.logger = slog.Default()
	}
	return store, nil
}

// AppendReading inserts one reading document.
func (s *MongoStore) AppendReading(r session.Reading) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	doc := bson.M{
		"received_at":    r.ReceivedAt,
		"device_id":      r.DeviceID,
		"timestamp":      r.Timestamp,
		"rtc_timestamp":  r.RTCTimestamp,
		"rtc_wall_clock": rtcWallClock(r.RTCTimestamp),
		"rtc_datetime":   r.RTCDatetime,
		"reading_number": r.ReadingNumber,
		"sequence":       r.Sequence,
		"temperature":    r.Temperature,
		"ph":             r.PH,
		"turbidity":      r.Turbidity,
		"tds":            r.TDS,
		"ec":             r.EC,
		"sensor_status":  r.SensorStatus,
		"valid":          r.Valid,
		"health_score":   r.HealthScore,
		"rssi":           r.RSSI,
		"free_heap":      r.FreeHeap,
	}
	if _, err := s.readings.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

type mongoSessionDoc struct {
	ID       string `bson:"_id"`
	Position int    `bson:"position"`
	Payload  []byte `bson:"payload"`
}

// LoadHistory returns all recorded sessions in their original order.
func (s *MongoStore) LoadHistory() ([]session.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	cursor, err := s.sessions.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "position", Value: 1}}))
	if err != nil {
		return []session.Session{}, fmt.Errorf("query sessions: %w", err)
	}
	defer cursor.Close(ctx)

	sessions := []session.Session{}
	for cursor.Next(ctx) {
		var doc mongoSessionDoc
		if err := cursor.Decode(&doc); err != nil {
			return []session.Session{}, fmt.Errorf("decode session document: %w", err)
		}
		var sess session.Session
		if err := json.Unmarshal(doc.Payload, &sess); err != nil {
			return []session.Session{}, fmt.Errorf("decode session payload: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := cursor.Err(); err != nil {
		return []session.Session{}, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// SaveHistory replaces the stored history with the given sessions.
func (s *MongoStore) SaveHistory(sessions []session.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.sessions.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil
	}
	docs := make([]any, 0, len(sessions))
	for i, sess := range sessions {
		payload, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", sess.ID, err)
		}
		docs = append(docs, mongoSessionDoc{ID: sess.ID, Position: i, Payload: payload})
	}
	if _, err := s.sessions.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert sessions: %w", err)
	}
	return nil
}

// Close disconnects from the deployment.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
