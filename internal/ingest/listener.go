package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"adas-telemetry-go/internal/types"
)

// ErrStopped is returned by GetNext once the listener is stopped and the
// queue has been drained.
var ErrStopped = errors.New("listener stopped")

// BindError is the only error Start returns.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

type ListenerConfig struct {
	Host string
	Port int
	Mode Mode

	// QueueCapacity bounds the dispatch queue; zero selects
	// DefaultQueueCapacity and a negative value means unbounded.
	QueueCapacity int

	// ReadTimeout bounds a single connection. Zero means no deadline.
	ReadTimeout time.Duration

	MaxImageBytes int
	MaxPathBytes  int
	MaxLogBytes   int

	// OnFrame, if set, sees every decoded record before it is queued. It runs
	// on the accept goroutine and must not block.
	OnFrame func(types.FrameRecord)
}

func (c ListenerConfig) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type ListenerStats struct {
	Accepted     uint64 `json:"accepted"`
	Decoded      uint64 `json:"decoded"`
	Failed       uint64 `json:"failed"`
	QueueDropped uint64 `json:"queue_dropped"`
	Queued       int    `json:"queued"`
}

// Listener accepts device connections one at a time and decodes one frame
// from each.
type Listener struct {
	cfg     ListenerConfig
	logger  *slog.Logger
	decoder *Decoder
	queue   *Queue

	running atomic.Bool
	stopped atomic.Bool

	mu   sync.Mutex
	ln   net.Listener
	conn net.Conn
	wg   sync.WaitGroup

	accepted atomic.Uint64
	decoded  atomic.Uint64
	failed   atomic.Uint64
}

func NewListener(cfg ListenerConfig, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.QueueCapacity
	if capacity == 0 {
		capacity = DefaultQueueCapacity
	}
	dec := NewDecoder(cfg.Mode)
	if cfg.MaxImageBytes > 0 {
		dec.MaxImageBytes = cfg.MaxImageBytes
	}
	if cfg.MaxPathBytes > 0 {
		dec.MaxPathBytes = cfg.MaxPathBytes
	}
	if cfg.MaxLogBytes > 0 {
		dec.MaxLogBytes = cfg.MaxLogBytes
	}
	return &Listener{
		cfg:     cfg,
		logger:  logger.With("component", "listener", "mode", cfg.Mode.String()),
		decoder: dec,
		queue:   NewQueue(capacity),
	}
}

// Start binds the listening socket and starts the accept goroutine. Calling
// Start on a running listener is a no-op.
func (l *Listener) Start() error {
	addr := l.cfg.address()
	if l.stopped.Load() {
		return &BindError{Addr: addr, Err: ErrStopped}
	}
	if l.running.Load() {
		return nil
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	l.running.Store(true)

	l.logger.Info("listening", "addr", ln.Addr().String())
	l.wg.Add(1)
	go l.acceptLoop(ln)
	return nil
}

// Stop closes the listening socket and any in-flight connection, and wakes
// blocked GetNext callers. It is safe to call more than once.
func (l *Listener) Stop() {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}
	l.running.Store(false)

	l.mu.Lock()
	ln, conn := l.ln, l.conn
	l.ln, l.conn = nil, nil
	l.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	l.queue.Close()
	l.wg.Wait()
	l.logger.Info("stopped")
}

func (l *Listener) IsRunning() bool { return l.running.Load() }

// IsReady reports whether GetNext would return without blocking.
func (l *Listener) IsReady() bool { return l.queue.Len() > 0 }

// GetNext blocks for the next decoded record.
func (l *Listener) GetNext(ctx context.Context) (types.FrameRecord, error) {
	rec, err := l.queue.Get(ctx)
	if errors.Is(err, ErrQueueClosed) {
		return types.FrameRecord{}, ErrStopped
	}
	return rec, err
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Accepted:     l.accepted.Load(),
		Decoded:      l.decoded.Load(),
		Failed:       l.failed.Load(),
		QueueDropped: l.queue.Dropped(),
		Queued:       l.queue.Len(),
	}
}

const acceptBackoff = 50 * time.Millisecond

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !l.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("accept failed", "error", err)
			time.Sleep(acceptBackoff)
			continue
		}
		l.accepted.Add(1)
		l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	l.mu.Lock()
	if !l.running.Load() {
		l.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.conn = conn
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.mu.Unlock()
		_ = conn.Close()
	}()

	if l.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
	}

	rec, err := l.decoder.Decode(conn)
	if err != nil {
		l.failed.Add(1)
		if l.running.Load() {
			l.logger.Warn("dropping frame", "remote", remote, "error", err)
		}
		return
	}
	rec.RemoteAddr = remote
	rec.ReceivedAt = time.Now()
	l.decoded.Add(1)

	if l.cfg.OnFrame != nil {
		l.cfg.OnFrame(rec)
	}
	if !l.queue.Put(rec) && l.running.Load() {
		l.logger.Warn("queue full, dropped oldest frame", "dropped_total", l.queue.Dropped())
	}
	l.logger.Debug("frame received", "remote", remote, "image_bytes", len(rec.Image), "log_bytes", len(rec.RawLog))
}
