package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTQueueConfig configures the MQTT-backed telemetry queue implementation.
// It suits deployments where other services already consume from a broker on
// the same LAN as the sensor.
type MQTTQueueConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	QoS            byte
	Logger         *slog.Logger
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Buffer         int
}

// newMQTTClient is swapped out by tests so the queue can run against a fake
// broker client.
var newMQTTClient = func(opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}

// NewMQTTQueue initialises a queue backed by an MQTT broker. Events are
// published as JSON on a single topic; each subscription receives its own
// broker subscription.
func NewMQTTQueue(cfg MQTTQueueConfig) (Queue, error) {
	broker := strings.TrimSpace(cfg.BrokerURL)
	if broker == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = "watermon/telemetry"
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = fmt.Sprintf("watermon-relay-%d", time.Now().UnixNano())
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	}

	queue := &mqttQueue{
		topic:          topic,
		qos:            cfg.QoS,
		logger:         logger,
		publishTimeout: cfg.PublishTimeout,
		buffer:         cfg.Buffer,
		subs:           make(map[*mqttSubscription]struct{}),
	}
	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("mqtt connected, subscribing", "topic", topic)
		if token := c.Subscribe(topic, cfg.QoS, queue.onMessage); token.Wait() && token.Error() != nil {
			logger.Error("mqtt subscribe failed", "topic", topic, "error", token.Error())
		}
	}

	client := newMQTTClient(opts)
	if token := client.Connect(); !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect timed out after %s", cfg.ConnectTimeout)
	} else if token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	queue.client = client
	return queue, nil
}

type mqttQueue struct {
	client         mqtt.Client
	topic          string
	qos            byte
	logger         *slog.Logger
	publishTimeout time.Duration
	buffer         int

	mu   sync.RWMutex
	subs map[*mqttSubscription]struct{}
}

// Publish delivers the event to the broker. Delivery is bounded by the
// configured publish timeout rather than the caller's context; the paho
// client does not accept one.
func (q *mqttQueue) Publish(_ context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	token := q.client.Publish(q.topic, q.qos, false, payload)
	if !token.WaitTimeout(q.publishTimeout) {
		return fmt.Errorf("mqtt publish timed out after %s", q.publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

func (q *mqttQueue) Subscribe() Subscription {
	sub := &mqttSubscription{
		queue: q,
		ch:    make(chan Event, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

// onMessage fans a broker message out to every local subscription. Decode
// failures are logged and dropped; a malformed payload must not wedge the
// subscription.
func (q *mqttQueue) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var event Event
	if err := json.Unmarshal(msg.Payload(), &event); err != nil {
		q.logger.Error("mqtt queue decode failed", "topic", msg.Topic(), "error", err)
		return
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- event:
		default:
			q.logger.Warn("mqtt queue subscriber full, dropping event", "type", event.Type)
		}
	}
}

type mqttSubscription struct {
	once  sync.Once
	queue *mqttQueue
	ch    chan Event
}

func (s *mqttSubscription) Events() <-chan Event {
	return s.ch
}

func (s *mqttSubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
