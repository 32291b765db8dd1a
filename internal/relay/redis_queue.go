package relay

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis Streams telemetry queue.
type RedisQueueConfig struct {
	Addr         string
	Username     string
	Password     string
	Stream       string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	TLS          RedisTLSConfig
}

// NewRedisQueue publishes telemetry into a Redis stream and consumes it
// through a consumer group, so a relay restart resumes where the previous
// process stopped. The caller is responsible for the instance being
// reachable.
func NewRedisQueue(cfg RedisQueueConfig) (Queue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := redisTLS(cfg.TLS)
	if err != nil {
		return nil, err
	}
	q := &redisQueue{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			Username:     strings.TrimSpace(cfg.Username),
			Password:     cfg.Password,
			TLSConfig:    tlsConfig,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			MaxRetries:   2,
		}),
		stream:       strings.TrimSpace(cfg.Stream),
		group:        strings.TrimSpace(cfg.Group),
		blockTimeout: cfg.BlockTimeout,
		buffer:       cfg.Buffer,
		logger:       cfg.Logger,
	}
	if q.stream == "" {
		q.stream = "watermon:telemetry"
	}
	if q.group == "" {
		q.group = "telemetry-workers"
	}
	if q.blockTimeout <= 0 {
		q.blockTimeout = 2 * time.Second
	}
	if q.buffer <= 0 {
		q.buffer = 128
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if err := q.ensureGroup(context.Background()); err != nil {
		_ = q.client.Close()
		return nil, err
	}
	return q, nil
}

type redisQueue struct {
	client       *redis.Client
	stream       string
	group        string
	blockTimeout time.Duration
	buffer       int
	logger       *slog.Logger

	groupOnce sync.Once
	groupErr  error
}

func (q *redisQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": string(payload)},
	}).Err()
}

func (q *redisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		queue:    q,
		consumer: randomConsumerID(),
		cancel:   cancel,
		ch:       make(chan Event, q.buffer),
	}
	go sub.run(ctx)
	return sub
}

// ensureGroup creates the consumer group once per process. An existing group
// is not an error: BUSYGROUP means a previous run already created it.
func (q *redisQueue) ensureGroup(ctx context.Context) error {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = err
		}
	})
	return q.groupErr
}

type redisSubscription struct {
	queue    *redisQueue
	consumer string
	cancel   context.CancelFunc

	once sync.Once
	ch   chan Event
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer s.Close()
	for ctx.Err() == nil {
		entries, err := s.read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.queue.logger.Warn("redis queue read failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, msg := range entries {
			event, ok := s.decode(msg)
			if !ok {
				s.ack(ctx, msg.ID)
				continue
			}
			select {
			case s.ch <- event:
				s.ack(ctx, msg.ID)
			case <-ctx.Done():
				// Re-add so the next consumer picks the event up instead
				// of it sitting in this consumer's pending list forever.
				s.requeue(msg)
				return
			}
		}
	}
}

func (s *redisSubscription) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := s.queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.queue.group,
		Consumer: s.consumer,
		Streams:  []string{s.queue.stream, ">"},
		Count:    32,
		Block:    s.queue.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || isTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []redis.XMessage
	for _, str := range streams {
		out = append(out, str.Messages...)
	}
	return out, nil
}

func (s *redisSubscription) decode(msg redis.XMessage) (Event, bool) {
	raw, _ := msg.Values["payload"].(string)
	if raw == "" {
		return Event{}, false
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		s.queue.logger.Error("redis queue decode failed", "id", msg.ID, "error", err)
		return Event{}, false
	}
	return event, true
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if err := s.queue.client.XAck(ctx, s.queue.stream, s.queue.group, id).Err(); err != nil {
		s.queue.logger.Warn("redis ack failed", "id", id, "error", err)
	}
}

func (s *redisSubscription) requeue(msg redis.XMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.ack(ctx, msg.ID)
	raw, _ := msg.Values["payload"].(string)
	if raw == "" {
		return
	}
	err := s.queue.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.queue.stream,
		Values: map[string]any{"payload": raw},
	}).Err()
	if err != nil {
		s.queue.logger.Warn("redis requeue failed", "id", msg.ID, "error", err)
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "nil reply")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("consumer-%s", hex.EncodeToString(buf))
}

func redisTLS(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ServerName:         cfg.ServerName,
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
