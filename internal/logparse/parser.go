// Package logparse extracts ADAS telemetry from device log lines. The JSON
// document sits behind a "json:" marker and is quoted differently by the live
// log stream (CSV doubled quotes) and by replayed files (backslash escapes).
package logparse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"adas-telemetry-go/internal/types"
)

// Marker precedes the JSON document in a log line.
const Marker = "json:"

type Mode int

const (
	// ModeStream parses lines tailed from the live device log, where inner
	// quotes are doubled ("").
	ModeStream Mode = iota
	// ModeFile parses replayed rows, where inner quotes are backslash escaped.
	ModeFile
)

func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeFile:
		return "file"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stream", "live":
		return ModeStream, nil
	case "file", "replay":
		return ModeFile, nil
	default:
		return 0, fmt.Errorf("unknown parse mode %q", s)
	}
}

// Parser is safe for concurrent use. It keeps no per-line state.
type Parser struct {
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time
	tag    string
	warn   rate.Sometimes
}

type Option func(*Parser)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Parser) { p.logger = logger }
}

// WithLocation sets the zone used to read timestamp hints.
func WithLocation(loc *time.Location) Option {
	return func(p *Parser) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithClock sets the observation clock used for stream lines without a hint.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// WithTag requires the application log tag (for example "[JSON]") to appear
// before the marker. Lines without it are ignored.
func WithTag(tag string) Option {
	return func(p *Parser) { p.tag = tag }
}

func New(opts ...Option) *Parser {
	p := &Parser{
		loc:  time.Local,
		now:  time.Now,
		warn: rate.Sometimes{First: 10, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultParser = New()

// ParseLine parses raw with the default parser.
func ParseLine(raw string, mode Mode, timestampHint string) (*types.TelemetryRecord, error) {
	return defaultParser.Parse(raw, mode, timestampHint)
}

// Parse extracts the telemetry carried by one log line. A line without the
// marker yields (nil, nil). Unescape or JSON failures yield a
// *MalformedLogError; fields missing from the JSON are left nil.
func (p *Parser) Parse(raw string, mode Mode, timestampHint string) (*types.TelemetryRecord, error) {
	idx := strings.Index(raw, Marker)
	if idx < 0 {
		return nil, nil
	}
	if p.tag != "" && !strings.Contains(raw[:idx], p.tag) {
		return nil, nil
	}

	text, err := unescape(raw[idx+len(Marker):], mode)
	if err != nil {
		return nil, p.malformed(raw, err)
	}
	return p.decode(text, p.timestamp(mode, timestampHint))
}

// ParseDocument parses JSON text that is already unescaped, as delivered by
// the frame protocol. ts may be nil.
func (p *Parser) ParseDocument(text string, ts *float64) (*types.TelemetryRecord, error) {
	return p.decode(strings.TrimSpace(text), ts)
}

// ParseFrame materializes the telemetry of a decoded frame. Socket logs are
// normally bare JSON; a marker-prefixed log line is parsed in stream mode.
func (p *Parser) ParseFrame(rec types.FrameRecord) (*types.TelemetryRecord, error) {
	if strings.Contains(rec.RawLog, Marker) {
		return p.Parse(rec.RawLog, ModeStream, "")
	}
	var ts *float64
	if !rec.ReceivedAt.IsZero() {
		v := epochSeconds(rec.ReceivedAt)
		ts = &v
	}
	return p.ParseDocument(rec.RawLog, ts)
}

func unescape(payload string, mode Mode) (string, error) {
	// A tailed CSV row closes the quoted column after the JSON without
	// opening it at the marker, so each side is stripped on its own.
	s := strings.TrimSpace(payload)
	s = strings.TrimPrefix(s, `"`)
	s = strings.TrimSuffix(s, `"`)
	switch mode {
	case ModeStream:
		return strings.ReplaceAll(s, `""`, `"`), nil
	case ModeFile:
		return strings.ReplaceAll(s, `\"`, `"`), nil
	default:
		return "", fmt.Errorf("unsupported parse mode %v", mode)
	}
}

func (p *Parser) timestamp(mode Mode, hint string) *float64 {
	if strings.TrimSpace(hint) != "" {
		t, err := parseHint(hint, p.loc)
		if err != nil {
			p.warn.Do(func() {
				p.log().Warn("unparsable log timestamp", "hint", hint, "error", err)
			})
			return nil
		}
		v := epochSeconds(t.UTC())
		return &v
	}
	if mode == ModeStream {
		v := epochSeconds(p.now())
		return &v
	}
	return nil
}

func (p *Parser) decode(text string, ts *float64) (*types.TelemetryRecord, error) {
	var doc struct {
		FrameID map[string]json.RawMessage `json:"frame_ID"`
	}
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, p.malformed(text, err)
	}
	if len(doc.FrameID) != 1 {
		return nil, p.malformed(text, ErrNoFrame)
	}

	var (
		key  string
		body json.RawMessage
	)
	for k, v := range doc.FrameID {
		key, body = k, v
	}
	frameID, err := strconv.Atoi(strings.TrimSpace(key))
	if err != nil {
		return nil, p.malformed(text, fmt.Errorf("frame id %q: %w", key, err))
	}

	var frame rawFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		return nil, p.malformed(text, fmt.Errorf("frame %d body: %w", frameID, err))
	}

	rec := &types.TelemetryRecord{
		Timestamp: ts,
		FrameID:   frameID,
	}
	rec.Detections = frame.detections()
	rec.TailingObject = frame.tailing()
	rec.VanishLineY = frame.vanishLine()
	rec.ADAS = frame.adas()
	rec.Lane = frame.lane()
	rec.DebugProfile = frame.debug()
	return rec, nil
}

func (p *Parser) malformed(text string, err error) error {
	p.warn.Do(func() {
		p.log().Warn("skipping malformed telemetry log", "text", clip(text, 512), "error", err)
	})
	return &MalformedLogError{Text: text, Err: err}
}

func (p *Parser) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}
