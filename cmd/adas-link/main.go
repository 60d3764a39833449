// Command adas-link receives telemetry from an ADAS camera, parses it and
// fans it out to recording, MQTT, ZeroMQ and a live web UI.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"adas-telemetry-go/internal/compression"
	"adas-telemetry-go/internal/config"
	"adas-telemetry-go/internal/emitter"
	"adas-telemetry-go/internal/ingest"
	"adas-telemetry-go/internal/logparse"
	"adas-telemetry-go/internal/output"
	"adas-telemetry-go/internal/processing"
	"adas-telemetry-go/internal/remote"
	"adas-telemetry-go/internal/server"
	"adas-telemetry-go/internal/simulator"
	"adas-telemetry-go/internal/types"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "adas-link: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(args []string) (config.AppConfig, error) {
	cfg := config.Defaults()
	if path := config.ConfigPath(args); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := config.LoadEnv(&cfg, ".env"); err != nil {
		return cfg, err
	}

	fs := pflag.NewFlagSet("adas-link", pflag.ContinueOnError)
	config.BindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	sessionID := uuid.NewString()
	logger = logger.With("session", sessionID)
	slog.SetDefault(logger)

	loc, err := cfg.Parser.TimeLocation()
	if err != nil {
		return err
	}
	mode, err := ingest.ParseMode(cfg.Listener.Mode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	parser := logparse.New(
		logparse.WithLogger(logger),
		logparse.WithLocation(loc),
		logparse.WithTag(cfg.Parser.Tag),
	)
	p := newPipeline(sessionID, parser, logger)
	p.keepRecords = cfg.Recording.ExportCSV
	runTimestamp := processing.Timestamp()

	if cfg.Recording.Enabled {
		alg, err := compression.ParseAlgorithm(cfg.Recording.Compression)
		if err != nil {
			return err
		}
		writer, err := output.NewRawLogWriter(cfg.Recording.OutputDir, "frames", alg)
		if err != nil {
			return fmt.Errorf("start raw log: %w", err)
		}
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Warn("raw log close failed", "error", err)
			}
			logger.Info("raw log closed", "path", writer.Path(), "records", writer.Count())
		}()
		p.recorder = writer
	}

	sinks, err := openSinks(cfg, sessionID, logger)
	if err != nil {
		return err
	}
	if len(sinks) > 0 {
		fanout := emitter.NewFanout(logger, sinks...)
		defer fanout.Close()
		p.sink = fanout
	}

	listener, err := startListener(ctx, cfg, mode, p.onFrame, logger)
	if err != nil {
		return err
	}
	defer listener.Stop()
	listenAddr := listener.Addr()
	logger.Info("listening for device frames", "addr", listenAddr.String(), "mode", mode.String())

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if cfg.Server.Port > 0 {
		p.ui = make(chan types.UIMessage, 64)
		srv := server.New(server.Options{
			Port:     cfg.Server.Port,
			Logger:   logger,
			Status:   func() map[string]any { return statusPayload(p, listener) },
			Config:   func() map[string]any { return configPayload(cfg, listenAddr, sessionID) },
			Snapshot: p.snapshot,
		})
		spawn(func() {
			if err := srv.Run(ctx, p.ui); err != nil {
				logger.Error("ui server stopped", "error", err)
			}
		})
		spawn(func() { p.publishStats(ctx, time.Second) })
		logger.Info("web ui available", "url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
	}

	if cfg.Device.TailLog {
		spawn(func() { tailDevice(ctx, cfg.Device, p, logger) })
	}

	if cfg.Debug {
		simCfg := simulator.Config{
			Addr:       loopbackAddr(listenAddr),
			Mode:       mode,
			Rate:       cfg.DebugRateHz,
			Frames:     cfg.DebugFrames,
			ImageBytes: cfg.DebugImageKB * 1024,
			Wrapped:    true,
			Seed:       time.Now().UnixNano(),
		}
		spawn(func() {
			if _, err := simulator.Run(ctx, simCfg, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("simulator stopped", "error", err)
			}
		})
	}

	spawn(func() { logStats(ctx, p, listener, logger) })

	go func() {
		<-ctx.Done()
		listener.Stop()
	}()

	err = p.consume(ctx, listener)
	stop()
	wg.Wait()

	stats := p.agg.Snapshot()
	logger.Info("session finished",
		"frames", stats.Frames,
		"fcw_events", stats.FCWEvents,
		"ldw_events", stats.LDWEvents,
		"frame_gaps", stats.FrameGaps,
		"queue_dropped", listener.Stats().QueueDropped,
	)

	if cfg.Recording.ExportCSV {
		path, csvErr := p.exportCSV(cfg.Recording.OutputDir, runTimestamp)
		if csvErr != nil {
			err = errors.Join(err, fmt.Errorf("export csv: %w", csvErr))
		} else if path != "" {
			logger.Info("telemetry exported", "path", path)
		}
	}
	return err
}

// startListener binds the configured port. When the port is busy and
// reclaiming is enabled, the local holders are killed and the next free
// port is used.
func startListener(ctx context.Context, cfg config.AppConfig, mode ingest.Mode, onFrame func(types.FrameRecord), logger *slog.Logger) (*ingest.Listener, error) {
	lcfg := ingest.ListenerConfig{
		Host:          cfg.Listener.Host,
		Port:          cfg.Listener.Port,
		Mode:          mode,
		QueueCapacity: cfg.Listener.QueueCapacity,
		ReadTimeout:   cfg.Listener.ReadTimeout,
		MaxImageBytes: cfg.Listener.MaxImageBytes,
		OnFrame:       onFrame,
	}
	listener := ingest.NewListener(lcfg, logger)
	err := listener.Start()
	if err == nil {
		return listener, nil
	}
	var bindErr *ingest.BindError
	if !errors.As(err, &bindErr) || !cfg.Device.ReclaimPort {
		return nil, err
	}

	logger.Warn("listener port busy, reclaiming", "port", lcfg.Port, "error", err)
	port, rerr := remote.ReclaimPort(ctx, remote.LocalExecutor{}, lcfg.Port, cfg.Listener.PortRetries, logger)
	if rerr != nil {
		return nil, errors.Join(err, rerr)
	}
	lcfg.Port = port
	listener = ingest.NewListener(lcfg, logger)
	if err := listener.Start(); err != nil {
		return nil, err
	}
	return listener, nil
}

func openSinks(cfg config.AppConfig, sessionID string, logger *slog.Logger) ([]emitter.Sink, error) {
	var sinks []emitter.Sink
	if cfg.MQTT.Broker != "" {
		mq := emitter.NewMQTTEmitter(emitter.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    "adas-link-" + sessionID[:8],
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, logger)
		// The client keeps retrying in the background.
		if err := mq.Connect(5 * time.Second); err != nil {
			logger.Warn("mqtt not connected yet", "broker", cfg.MQTT.Broker, "error", err)
		}
		sinks = append(sinks, mq)
	}
	if cfg.ZMQ.Endpoint != "" {
		push, err := emitter.NewZMQPusher(cfg.ZMQ.Endpoint, 1000, logger)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, fmt.Errorf("zmq: %w", err)
		}
		sinks = append(sinks, push)
	}
	return sinks, nil
}

// tailDevice follows the newest log on the device over SSH, reconnecting
// until ctx ends.
func tailDevice(ctx context.Context, dev config.DeviceConfig, p *pipeline, logger *slog.Logger) {
	logger = logger.With("component", "tail", "device", dev.Host)
	for {
		err := tailOnce(ctx, dev, p, logger)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("device tail ended, retrying", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func tailOnce(ctx context.Context, dev config.DeviceConfig, p *pipeline, logger *slog.Logger) error {
	client, err := remote.Dial(ctx, remote.DialConfig{
		Host:     dev.Host,
		Port:     dev.SSHPort,
		User:     dev.User,
		Password: dev.Password,
		KeyFile:  dev.KeyFile,
		Timeout:  dev.DialTimeout,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	path, err := remote.LatestLogPath(ctx, client, dev.LogDir)
	if err != nil {
		return err
	}
	logger.Info("tailing device log", "path", path)
	return client.Tail(ctx, path, 0, p.handleLine)
}

func logStats(ctx context.Context, p *pipeline, l *ingest.Listener, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ls := l.Stats()
			m := p.metrics.snapshot()
			logger.Info("ingest stats",
				"accepted", ls.Accepted,
				"decoded", ls.Decoded,
				"failed", ls.Failed,
				"queue_dropped", ls.QueueDropped,
				"queued", ls.Queued,
				"parsed", m["records_parsed_total"],
				"parse_errors", m["parse_errors_total"],
			)
		}
	}
}

func statusPayload(p *pipeline, l *ingest.Listener) map[string]any {
	status := p.status()
	status["listener"] = l.Stats()
	status["listening"] = l.IsRunning()
	return status
}

func configPayload(cfg config.AppConfig, listenAddr net.Addr, sessionID string) map[string]any {
	return map[string]any{
		"session_id":   sessionID,
		"listen_addr":  listenAddr.String(),
		"mode":         cfg.Listener.Mode,
		"queue":        cfg.Listener.QueueCapacity,
		"device":       cfg.Device.Host,
		"tail_log":     cfg.Device.TailLog,
		"recording":    cfg.Recording.Enabled,
		"mqtt":         cfg.MQTT.Broker != "",
		"zmq_endpoint": cfg.ZMQ.Endpoint,
		"debug":        cfg.Debug,
	}
}

// loopbackAddr turns a wildcard listen address into one the simulator can
// dial.
func loopbackAddr(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}
