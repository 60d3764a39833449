package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"adas-telemetry-go/internal/emitter"
	"adas-telemetry-go/internal/ingest"
	"adas-telemetry-go/internal/logparse"
	"adas-telemetry-go/internal/output"
	"adas-telemetry-go/internal/processing"
	"adas-telemetry-go/internal/types"
)

type metrics struct {
	framesReceived   atomic.Uint64
	recordsParsed    atomic.Uint64
	recordsSkipped   atomic.Uint64
	parseErrors      atomic.Uint64
	tailLines        atomic.Uint64
	recordErrors     atomic.Uint64
	emitErrors       atomic.Uint64
	uiDropped        atomic.Uint64
	processCount     atomic.Uint64
	processNanos     atomic.Uint64
	lastFrameUnixSec atomic.Int64
}

func (m *metrics) snapshot() map[string]any {
	return map[string]any{
		"frames_received_total": m.framesReceived.Load(),
		"records_parsed_total":  m.recordsParsed.Load(),
		"records_skipped_total": m.recordsSkipped.Load(),
		"parse_errors_total":    m.parseErrors.Load(),
		"tail_lines_total":      m.tailLines.Load(),
		"record_errors_total":   m.recordErrors.Load(),
		"emit_errors_total":     m.emitErrors.Load(),
		"ui_dropped_total":      m.uiDropped.Load(),
		"process_total":         m.processCount.Load(),
		"process_nanos_total":   m.processNanos.Load(),
	}
}

// pipeline turns received frames and tailed log lines into telemetry
// records and hands them to the aggregator, the sinks and the UI.
type pipeline struct {
	sessionID string
	parser    *logparse.Parser
	agg       *processing.Aggregator
	sink      emitter.Sink
	recorder  *output.RawLogWriter
	ui        chan types.UIMessage
	logger    *slog.Logger
	warn      rate.Sometimes

	// keepRecords retains every record for the CSV export at shutdown.
	keepRecords bool

	metrics metrics

	mu      sync.Mutex
	records []*types.TelemetryRecord
	latest  *types.UIMessage
}

func newPipeline(sessionID string, parser *logparse.Parser, logger *slog.Logger) *pipeline {
	return &pipeline{
		sessionID: sessionID,
		parser:    parser,
		agg:       processing.NewAggregator(),
		logger:    logger,
		warn:      rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
}

// consume drains the listener until it stops or ctx ends.
func (p *pipeline) consume(ctx context.Context, l *ingest.Listener) error {
	for {
		frame, err := l.GetNext(ctx)
		if err != nil {
			if errors.Is(err, ingest.ErrStopped) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		p.handleFrame(frame)
	}
}

func (p *pipeline) handleFrame(frame types.FrameRecord) {
	start := time.Now()
	defer func() {
		p.metrics.processCount.Add(1)
		p.metrics.processNanos.Add(uint64(time.Since(start).Nanoseconds()))
	}()

	p.metrics.framesReceived.Add(1)

	if p.recorder != nil {
		if err := p.recorder.Record(frame); err != nil {
			p.metrics.recordErrors.Add(1)
			p.warn.Do(func() { p.logger.Warn("raw log write failed", "error", err) })
		}
	}

	rec, err := p.parser.ParseFrame(frame)
	if err != nil {
		p.metrics.parseErrors.Add(1)
		return
	}
	if rec == nil {
		p.metrics.recordsSkipped.Add(1)
		return
	}
	summary := types.Summarize(frame)
	p.handleRecord(rec, &summary)
}

// onFrame runs on the listener's accept goroutine as soon as a frame is
// decoded, so the UI shows the stream as live even when the consumer lags.
func (p *pipeline) onFrame(frame types.FrameRecord) {
	p.metrics.lastFrameUnixSec.Store(frame.ReceivedAt.Unix())
}

// handleLine parses one line of a tailed device log.
func (p *pipeline) handleLine(line string) {
	p.metrics.tailLines.Add(1)
	rec, err := p.parser.Parse(line, logparse.ModeStream, logparse.TimestampPrefix(line))
	if err != nil {
		p.metrics.parseErrors.Add(1)
		return
	}
	if rec == nil {
		return
	}
	p.handleRecord(rec, nil)
}

func (p *pipeline) handleRecord(rec *types.TelemetryRecord, frame *types.FrameSummary) {
	p.metrics.recordsParsed.Add(1)
	p.agg.AddRecord(rec)

	if p.keepRecords {
		p.mu.Lock()
		p.records = append(p.records, rec)
		p.mu.Unlock()
	}

	if p.sink != nil {
		ev := emitter.Event{SessionID: p.sessionID, Telemetry: rec, Frame: frame}
		if err := p.sink.Emit(ev); err != nil {
			p.metrics.emitErrors.Add(1)
		}
	}

	message := types.UIMessage{Type: "telemetry", Telemetry: rec, Frame: frame}
	p.mu.Lock()
	p.latest = &message
	p.mu.Unlock()
	p.publish(message)
}

func (p *pipeline) publish(message types.UIMessage) {
	if p.ui == nil {
		return
	}
	select {
	case p.ui <- message:
	default:
		p.metrics.uiDropped.Add(1)
	}
}

// publishStats sends the running statistics to the UI every interval.
func (p *pipeline) publishStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.agg.Snapshot()
			p.publish(types.UIMessage{Type: "stats", Stats: &stats})
		}
	}
}

// snapshot is the latest record plus current statistics, for clients that
// connect mid-session.
func (p *pipeline) snapshot() *types.UIMessage {
	stats := p.agg.Snapshot()
	message := types.UIMessage{Type: "snapshot", Stats: &stats}
	p.mu.Lock()
	if p.latest != nil {
		message.Telemetry = p.latest.Telemetry
		message.Frame = p.latest.Frame
	}
	p.mu.Unlock()
	return &message
}

func (p *pipeline) status() map[string]any {
	status := map[string]any{
		"session_id": p.sessionID,
		"metrics":    p.metrics.snapshot(),
		"stats":      p.agg.Snapshot(),
		"stream":     "idle",
	}
	if last := p.metrics.lastFrameUnixSec.Load(); last > 0 {
		status["last_frame"] = time.Unix(last, 0).Format(time.RFC3339)
		if time.Since(time.Unix(last, 0)) < 5*time.Second {
			status["stream"] = "receiving"
		}
	}
	if p.recorder != nil {
		status["recording"] = map[string]any{
			"path":    p.recorder.Path(),
			"records": p.recorder.Count(),
		}
	}
	return status
}

// exportCSV writes the retained records, if any, and returns the path.
func (p *pipeline) exportCSV(outputDir, runTimestamp string) (string, error) {
	p.mu.Lock()
	records := p.records
	p.mu.Unlock()
	if len(records) == 0 {
		return "", nil
	}
	return output.WriteTelemetryCSV(outputDir, runTimestamp, records)
}
