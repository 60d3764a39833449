package simulator

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"adas-telemetry-go/internal/ingest"
	"adas-telemetry-go/internal/logparse"
)

func TestDocumentParses(t *testing.T) {
	gen := NewGenerator(1)
	p := logparse.New(logparse.WithLocation(time.UTC))

	for id := 0; id < 100; id += 7 {
		rec, err := p.ParseDocument(gen.Document(id), nil)
		if err != nil {
			t.Fatalf("frame %d: parse error: %v", id, err)
		}
		if rec.FrameID != id {
			t.Fatalf("expected frame %d, got %d", id, rec.FrameID)
		}
		if len(rec.Detections.Vehicle) != 1 || rec.TailingObject == nil || rec.Lane == nil {
			t.Fatalf("frame %d: incomplete record %+v", id, rec)
		}
		if rec.ADAS == nil || rec.ADAS.FCW == nil || rec.ADAS.LDW == nil {
			t.Fatalf("frame %d: missing adas events", id)
		}
	}
}

func TestGeneratorDeterministic(t *testing.T) {
	a := NewGenerator(42).Document(5)
	b := NewGenerator(42).Document(5)
	if a != b {
		t.Fatalf("same seed produced different documents")
	}
}

func TestWrappedLineParses(t *testing.T) {
	line := Line(time.Date(2024, 8, 9, 17, 54, 31, 0, time.UTC), NewGenerator(3).Document(9))
	rec, err := logparse.New(logparse.WithLocation(time.UTC)).Parse(line, logparse.ModeStream, logparse.TimestampPrefix(line))
	if err != nil || rec == nil {
		t.Fatalf("wrapped line did not parse: %v", err)
	}
	if rec.FrameID != 9 || rec.Timestamp == nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestStreamStopsAfterFrames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := Config{Mode: ingest.ModeImageLogPath, Rate: 500, Frames: 4, ImageBytes: 8, StartFrame: 10}
	var ids []uint32
	for rec := range Stream(ctx, cfg) {
		if rec.FrameIndex == nil || rec.ImagePath == nil || len(rec.Image) != 8 {
			t.Fatalf("image-path record incomplete: %+v", rec)
		}
		ids = append(ids, *rec.FrameIndex)
	}
	if len(ids) != 4 || ids[0] != 10 || ids[3] != 13 {
		t.Fatalf("unexpected frame indices: %v", ids)
	}
}

func TestRunDeliversToListener(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ingest.NewListener(ingest.ListenerConfig{Host: "127.0.0.1", Port: 0, Mode: ingest.ModeLog}, logger)
	if err := l.Start(); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer l.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delivered, err := Run(ctx, Config{Addr: l.Addr().String(), Mode: ingest.ModeLog, Rate: 200, Frames: 3}, logger)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if delivered != 3 {
		t.Fatalf("expected 3 deliveries, got %d", delivered)
	}

	p := logparse.New(logparse.WithLocation(time.UTC))
	for want := 0; want < 3; want++ {
		frame, err := l.GetNext(ctx)
		if err != nil {
			t.Fatalf("get error: %v", err)
		}
		rec, err := p.ParseFrame(frame)
		if err != nil {
			t.Fatalf("parse error: %v", err)
		}
		if rec.FrameID != want {
			t.Fatalf("expected frame %d, got %d", want, rec.FrameID)
		}
	}
}

func TestLogModeSendsOnlyTheLog(t *testing.T) {
	var cfg Config // zero Mode is log-only
	rec := NewGenerator(1).Record(cfg, 4, time.Now())
	if rec.FrameIndex != nil || rec.Image != nil || rec.ImagePath != nil {
		t.Fatalf("log-only record carries image fields: %+v", rec)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frames int
	for rec := range Stream(ctx, Config{Mode: ingest.ModeLog, Rate: 500, Frames: 2}) {
		if rec.HasImage() || !strings.HasPrefix(rec.RawLog, `{"frame_ID"`) {
			t.Fatalf("unexpected log-only record: %+v", rec)
		}
		frames++
	}
	if frames != 2 {
		t.Fatalf("expected 2 records, got %d", frames)
	}
}
