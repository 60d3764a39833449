package emitter

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"

	"adas-telemetry-go/internal/types"
)

func TestZMQPusherDelivers(t *testing.T) {
	endpoint := "inproc://adas-telemetry-test"
	pusher, err := NewZMQPusher(endpoint, 16, discardLogger())
	if err != nil {
		t.Fatalf("pusher error: %v", err)
	}
	defer pusher.Close()

	pull, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		t.Fatalf("pull socket error: %v", err)
	}
	defer pull.Close()
	if err := pull.Connect(endpoint); err != nil {
		t.Fatalf("connect error: %v", err)
	}
	_ = pull.SetRcvtimeo(2 * time.Second)

	ev := Event{SessionID: "s1", Telemetry: &types.TelemetryRecord{FrameID: 42}}
	// The first send can race the connection handshake; retry briefly.
	var msg []byte
	for attempt := 0; attempt < 20 && msg == nil; attempt++ {
		if err := pusher.Emit(ev); err != nil {
			t.Fatalf("emit error: %v", err)
		}
		msg, _ = pull.RecvBytes(zmq4.DONTWAIT)
		if msg == nil {
			time.Sleep(20 * time.Millisecond)
			msg, _ = pull.RecvBytes(zmq4.DONTWAIT)
		}
	}
	if msg == nil {
		t.Fatalf("no message received")
	}

	var got Event
	if err := cbor.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got.SessionID != "s1" || got.Telemetry == nil || got.Telemetry.FrameID != 42 {
		t.Fatalf("unexpected event %+v", got)
	}

	if err := pusher.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
	if err := pusher.Emit(ev); err == nil {
		t.Fatalf("expected error after close")
	}
}
