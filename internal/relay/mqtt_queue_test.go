package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dacostaca/WaterQualityMonitoring/internal/session"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func TestMQTTQueuePublishReachesSubscribers(t *testing.T) {
	broker := installFakeBroker(t, nil)

	queue, err := NewMQTTQueue(MQTTQueueConfig{
		BrokerURL: "tcp://broker.test:1883",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewMQTTQueue: %v", err)
	}
	if broker.topic != "watermon/telemetry" {
		t.Fatalf("unexpected topic %q", broker.topic)
	}

	sub := queue.Subscribe()
	t.Cleanup(sub.Close)

	event := Event{
		Type: EventTypeReading,
		Reading: &session.Reading{
			DeviceID:      "ESP32_WaterMonitor",
			ReadingNumber: 3,
			Temperature:   23.1,
		},
		OccurredAt: time.Now().UTC(),
	}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.Reading == nil || got.Reading.ReadingNumber != 3 {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMQTTQueueDropsMalformedPayloads(t *testing.T) {
	broker := installFakeBroker(t, nil)

	queue, err := NewMQTTQueue(MQTTQueueConfig{
		BrokerURL: "tcp://broker.test:1883",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewMQTTQueue: %v", err)
	}

	sub := queue.Subscribe()
	t.Cleanup(sub.Close)

	broker.deliver([]byte("not json"))
	broker.deliver([]byte(`{"type":"reading","reading":{"reading_number":9}}`))

	select {
	case got := <-sub.Events():
		if got.Reading == nil || got.Reading.ReadingNumber != 9 {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case got := <-sub.Events():
		t.Fatalf("malformed payload should have been dropped, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMQTTQueueRejectsUntypedEvents(t *testing.T) {
	installFakeBroker(t, nil)

	queue, err := NewMQTTQueue(MQTTQueueConfig{
		BrokerURL: "tcp://broker.test:1883",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewMQTTQueue: %v", err)
	}
	if err := queue.Publish(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for event without a type")
	}
}

func TestMQTTQueueConnectFailure(t *testing.T) {
	installFakeBroker(t, errors.New("broker unavailable"))

	_, err := NewMQTTQueue(MQTTQueueConfig{
		BrokerURL: "tcp://broker.test:1883",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err == nil {
		t.Fatal("expected connect failure")
	}
}

func TestMQTTQueueRequiresBroker(t *testing.T) {
	if _, err := NewMQTTQueue(MQTTQueueConfig{}); err == nil {
		t.Fatal("expected error without broker url")
	}
}

// installFakeBroker swaps the paho client factory for an in-process fake and
// restores it when the test finishes.
func installFakeBroker(t *testing.T, connectErr error) *fakeBroker {
	t.Helper()
	broker := &fakeBroker{connectErr: connectErr}
	previous := newMQTTClient
	newMQTTClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		broker.opts = opts
		return broker
	}
	t.Cleanup(func() {
		newMQTTClient = previous
	})
	return broker
}

// fakeBroker implements mqtt.Client by looping published payloads straight
// back into the registered subscription handler.
type fakeBroker struct {
	opts       *mqtt.ClientOptions
	connectErr error

	mu      sync.Mutex
	topic   string
	handler mqtt.MessageHandler
}

func (b *fakeBroker) Connect() mqtt.Token {
	if b.connectErr != nil {
		return &fakeToken{err: b.connectErr}
	}
	if b.opts != nil && b.opts.OnConnect != nil {
		b.opts.OnConnect(b)
	}
	return &fakeToken{}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	b.topic = topic
	b.handler = callback
	b.mu.Unlock()
	return &fakeToken{}
}

func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	raw, ok := payload.([]byte)
	if !ok {
		return &fakeToken{err: errors.New("unexpected payload type")}
	}
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		handler(b, &fakeMessage{topic: topic, payload: raw})
	}
	return &fakeToken{}
}

func (b *fakeBroker) deliver(payload []byte) {
	b.mu.Lock()
	handler := b.handler
	topic := b.topic
	b.mu.Unlock()
	if handler != nil {
		handler(b, &fakeMessage{topic: topic, payload: payload})
	}
}

func (b *fakeBroker) IsConnected() bool      { return true }
func (b *fakeBroker) IsConnectionOpen() bool { return true }
func (b *fakeBroker) Disconnect(uint)        {}

func (b *fakeBroker) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}

func (b *fakeBroker) Unsubscribe(...string) mqtt.Token { return &fakeToken{} }

func (b *fakeBroker) AddRoute(string, mqtt.MessageHandler) {}

func (b *fakeBroker) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
