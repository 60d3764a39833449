// Package simulator plays the part of a camera device: it synthesises ADAS
// log documents and pushes them to a listener over the frame protocol.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"adas-telemetry-go/internal/ingest"
	"adas-telemetry-go/internal/types"
)

type Config struct {
	Addr string
	// Mode is the wire layout to send; the zero value is ingest.ModeLog.
	Mode ingest.Mode
	// Rate is frames per second.
	Rate float64
	// Frames stops the stream after that many records; zero runs until
	// the context ends.
	Frames     int
	ImageBytes int
	StartFrame int
	Seed       int64
	// Wrapped sends the document as a device log line with the json:
	// marker instead of bare JSON.
	Wrapped     bool
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Rate <= 0 {
		c.Rate = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	return c
}

// Generator produces a deterministic scene: one lead vehicle closing in
// and drifting across the lane, plus a pedestrian every few seconds.
type Generator struct {
	rng *rand.Rand
}

func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Document returns the frame_ID document for frame id.
func (g *Generator) Document(id int) string {
	phase := float64(id) / 50
	distance := 20 + 15*math.Cos(phase)
	width := 1600 / distance
	cx := 288 + 60*math.Sin(phase/2)
	top := 150 + 400/distance

	vehicle := map[string]any{
		"detectObj.x1":         round(cx - width/2),
		"detectObj.y1":         round(top),
		"detectObj.x2":         round(cx + width/2),
		"detectObj.y2":         round(top + width*0.8),
		"detectObj.label":      "VEHICLE",
		"detectObj.confidence": round(0.80 + 0.19*g.rng.Float64()),
	}
	var humans []map[string]any
	if id%40 < 10 {
		humans = append(humans, map[string]any{
			"detectObj.x1":         60,
			"detectObj.y1":         140,
			"detectObj.x2":         80,
			"detectObj.y2":         190,
			"detectObj.label":      "HUMAN",
			"detectObj.confidence": round(0.6 + 0.3*g.rng.Float64()),
		})
	}

	frame := map[string]any{
		"detectObj": map[string]any{
			"VEHICLE": []map[string]any{vehicle},
			"HUMAN":   humans,
		},
		"tailingObj": []map[string]any{{
			"tailingObj.x1":               vehicle["detectObj.x1"],
			"tailingObj.y1":               vehicle["detectObj.y1"],
			"tailingObj.x2":               vehicle["detectObj.x2"],
			"tailingObj.y2":               vehicle["detectObj.y2"],
			"tailingObj.label":            "VEHICLE",
			"tailingObj.distanceToCamera": round(distance),
			"tailingObj.id":               1,
		}},
		"vanishLineY": []map[string]any{{"vanishlineY": 160 + g.rng.Intn(4)}},
		"ADAS": []map[string]any{{
			"FCW": strconv.FormatBool(distance < 8),
			"LDW": math.Abs(cx-288) > 55,
		}},
		"LaneInfo": []map[string]any{{
			"isDetectLine":    1,
			"pLeftCarhood.x":  100,
			"pLeftCarhood.y":  280,
			"pRightCarhood.x": 480,
			"pRightCarhood.y": 280,
			"pLeftFar.x":      250,
			"pLeftFar.y":      170,
			"pRightFar.x":     330,
			"pRightFar.y":     170,
		}},
		"debugProfile": []map[string]any{{
			"inferenceTime": round(18 + 8*g.rng.Float64()),
			"bufferSize":    g.rng.Intn(4),
		}},
	}
	doc, _ := json.Marshal(map[string]any{
		"frame_ID": map[string]any{strconv.Itoa(id): frame},
	})
	return string(doc)
}

// Line wraps a document the way the device logger writes it to a live
// stream: wall-clock time tagged +00:00, then CSV quoting with doubled
// quotes.
func Line(ts time.Time, doc string) string {
	return ts.Format("2006-01-02T15:04:05.000000") + "+00:00" +
		`,"[JSON] [debug] json:` + strings.ReplaceAll(doc, `"`, `""`) + `"`
}

// Record builds the wire record for frame id.
func (g *Generator) Record(cfg Config, id int, now time.Time) types.FrameRecord {
	doc := g.Document(id)
	if cfg.Wrapped {
		doc = Line(now, doc)
	}
	rec := types.FrameRecord{RawLog: doc, ReceivedAt: now}
	if cfg.Mode != ingest.ModeLog {
		index := uint32(id)
		rec.FrameIndex = &index
		rec.Image = make([]byte, cfg.ImageBytes)
		g.rng.Read(rec.Image)
	}
	if cfg.Mode == ingest.ModeImageLogPath {
		path := fmt.Sprintf("/tmp/adas/frame_%06d.jpg", id)
		rec.ImagePath = &path
	}
	return rec
}

// Stream emits records at cfg.Rate until ctx ends or cfg.Frames is reached.
func Stream(ctx context.Context, cfg Config) <-chan types.FrameRecord {
	cfg = cfg.withDefaults()
	out := make(chan types.FrameRecord)
	go func() {
		defer close(out)

		gen := NewGenerator(cfg.Seed)
		ticker := time.NewTicker(time.Duration(float64(time.Second) / cfg.Rate))
		defer ticker.Stop()

		for sent := 0; cfg.Frames == 0 || sent < cfg.Frames; sent++ {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				select {
				case out <- gen.Record(cfg, cfg.StartFrame+sent, now):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Send opens one connection, writes rec and closes.
func Send(ctx context.Context, addr string, mode ingest.Mode, rec types.FrameRecord, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return ingest.Encode(conn, mode, rec)
}

// Run streams records to cfg.Addr and returns how many were delivered.
// Failed sends are logged and skipped.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) (int, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return 0, fmt.Errorf("simulator: no listener address")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "simulator", "addr", cfg.Addr)

	delivered, failed := 0, 0
	for rec := range Stream(ctx, cfg) {
		if err := Send(ctx, cfg.Addr, cfg.Mode, rec, cfg.DialTimeout); err != nil {
			failed++
			if failed == 1 || failed%100 == 0 {
				logger.Warn("send failed", "failed", failed, "error", err)
			}
			continue
		}
		delivered++
	}
	logger.Info("simulator finished", "delivered", delivered, "failed", failed)
	return delivered, ctx.Err()
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
