package emitter

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"adas-telemetry-go/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

// fakeClient implements the publish side of mqtt.Client. Methods not
// overridden panic through the nil embedded interface.
type fakeClient struct {
	mqtt.Client
	mu        sync.Mutex
	connected bool
	messages  map[string][][]byte
	err       error
}

func (c *fakeClient) IsConnected() bool { return c.connected }
func (c *fakeClient) Disconnect(uint)   { c.connected = false }
func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload any) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.messages == nil {
		c.messages = make(map[string][][]byte)
	}
	c.messages[topic] = append(c.messages[topic], payload.([]byte))
	return fakeToken{err: c.err}
}

func boolPtr(v bool) *bool { return &v }

func TestMQTTEmitterTopics(t *testing.T) {
	client := &fakeClient{connected: true}
	e := newMQTTEmitterWithClient(MQTTConfig{Broker: "tcp://localhost:1883", TopicPrefix: "cam1"}, client, discardLogger())

	quiet := Event{SessionID: "s1", Telemetry: &types.TelemetryRecord{FrameID: 1}}
	warning := Event{SessionID: "s1", Telemetry: &types.TelemetryRecord{
		FrameID: 2,
		ADAS:    &types.ADASEvents{FCW: boolPtr(true), LDW: boolPtr(false)},
	}}
	for _, ev := range []Event{quiet, warning, {SessionID: "s1"}} {
		if err := e.Emit(ev); err != nil {
			t.Fatalf("emit error: %v", err)
		}
	}

	var topics []string
	for topic := range client.messages {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	if strings.Join(topics, ",") != "cam1/events/fcw,cam1/telemetry" {
		t.Fatalf("unexpected topics %v", topics)
	}
	if len(client.messages["cam1/telemetry"]) != 2 {
		t.Fatalf("expected two telemetry messages, got %d", len(client.messages["cam1/telemetry"]))
	}

	var decoded Event
	if err := json.Unmarshal(client.messages["cam1/events/fcw"][0], &decoded); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if decoded.Telemetry.FrameID != 2 || !decoded.Telemetry.ADAS.ForwardCollision() {
		t.Fatalf("unexpected payload %+v", decoded.Telemetry)
	}

	stats := e.Stats()
	if !stats.Connected || stats.Published["cam1/telemetry"] != 2 || stats.Errors != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	_ = e.Close()
	if err := e.Emit(quiet); err == nil {
		t.Fatalf("expected error after close")
	}
	if e.Stats().Errors != 1 {
		t.Fatalf("expected error to be counted")
	}
}

func TestMQTTEmitterPublishError(t *testing.T) {
	client := &fakeClient{connected: true, err: errors.New("broker gone")}
	e := newMQTTEmitterWithClient(MQTTConfig{}, client, discardLogger())
	err := e.Emit(Event{Telemetry: &types.TelemetryRecord{FrameID: 1}})
	if err == nil || !strings.Contains(err.Error(), "adas/telemetry") {
		t.Fatalf("expected publish error naming default topic, got %v", err)
	}
}

type recordingSink struct {
	events []Event
	err    error
	closed bool
}

func (s *recordingSink) Emit(ev Event) error {
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func TestFanoutContinuesPastFailure(t *testing.T) {
	failing := &recordingSink{err: errors.New("down")}
	ok := &recordingSink{}
	f := NewFanout(discardLogger(), failing, ok)

	err := f.Emit(Event{SessionID: "s"})
	if err == nil || len(ok.events) != 1 || len(failing.events) != 1 {
		t.Fatalf("unexpected fanout result: err=%v ok=%d failing=%d", err, len(ok.events), len(failing.events))
	}
	if err := f.Close(); err != nil || !ok.closed || !failing.closed {
		t.Fatalf("close did not reach all sinks: %v", err)
	}
	if f.Len() != 2 {
		t.Fatalf("unexpected sink count %d", f.Len())
	}
}
