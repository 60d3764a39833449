package emitter

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
)

// ZMQPusher binds a PUSH socket and sends each event as one CBOR message.
// Sends never block: when no worker is connected or the high-water mark is
// reached the event is counted as dropped.
type ZMQPusher struct {
	endpoint string
	logger   *slog.Logger

	mu      sync.Mutex
	socket  *zmq4.Socket
	sent    uint64
	dropped uint64
}

func NewZMQPusher(endpoint string, sendHWM int, logger *slog.Logger) (*ZMQPusher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		return nil, err
	}
	if sendHWM > 0 {
		if err := socket.SetSndhwm(sendHWM); err != nil {
			_ = socket.Close()
			return nil, err
		}
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("zmq bind %s: %w", endpoint, err)
	}
	logger.Info("zmq push bound", "endpoint", endpoint)
	return &ZMQPusher{endpoint: endpoint, socket: socket, logger: logger}, nil
}

func (z *ZMQPusher) Emit(ev Event) error {
	payload, err := cbor.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return errors.New("zmq pusher is closed")
	}
	if _, err := z.socket.SendBytes(payload, zmq4.DONTWAIT); err != nil {
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			z.dropped++
			return nil
		}
		return fmt.Errorf("zmq send: %w", err)
	}
	z.sent++
	return nil
}

func (z *ZMQPusher) Stats() Stats {
	z.mu.Lock()
	defer z.mu.Unlock()
	return Stats{
		Connected: z.socket != nil,
		Published: map[string]uint64{z.endpoint: z.sent, "dropped": z.dropped},
	}
}

func (z *ZMQPusher) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return nil
	}
	err := z.socket.Close()
	z.socket = nil
	return err
}
