// Package replay feeds recorded device logs through the log parser, either
// once over a finished file or continuously while the file grows.
package replay

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"adas-telemetry-go/internal/logparse"
	"adas-telemetry-go/internal/types"
)

type Format int

const (
	// FormatCSV rows are read with a CSV reader and parsed in file mode.
	FormatCSV Format = iota
	// FormatLines are raw log lines as the device writes them (stream
	// escaping), such as a saved tail.
	FormatLines
)

func (f Format) String() string {
	if f == FormatLines {
		return "lines"
	}
	return "csv"
}

// DetectFormat picks the format from the file extension.
func DetectFormat(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return FormatCSV
	}
	return FormatLines
}

// Handler receives each parsed record. Returning an error stops the replay.
type Handler func(rec *types.TelemetryRecord) error

// Summary counts what a replay saw.
type Summary struct {
	Lines     int `json:"lines"`
	Records   int `json:"records"`
	Skipped   int `json:"skipped"`
	Malformed int `json:"malformed"`
}

type Replayer struct {
	parser *logparse.Parser
	logger *slog.Logger
	warn   rate.Sometimes

	// PollInterval bounds how long Follow waits between reads when no file
	// event arrives.
	PollInterval time.Duration
}

func New(parser *logparse.Parser, logger *slog.Logger) *Replayer {
	if parser == nil {
		parser = logparse.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		parser:       parser,
		logger:       logger.With("component", "replay"),
		warn:         rate.Sometimes{First: 5, Interval: 5 * time.Second},
		PollInterval: time.Second,
	}
}

// ReplayFile parses every row of path in order.
func (r *Replayer) ReplayFile(ctx context.Context, path string, fn Handler) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer f.Close()

	format := DetectFormat(path)
	r.logger.Info("replaying log", "path", path, "format", format.String())
	return r.Replay(ctx, f, format, fn)
}

func (r *Replayer) Replay(ctx context.Context, src io.Reader, format Format, fn Handler) (Summary, error) {
	if format == FormatCSV {
		return r.replayCSV(ctx, src, fn)
	}
	return r.replayLines(ctx, src, fn)
}

func (r *Replayer) replayCSV(ctx context.Context, src io.Reader, fn Handler) (Summary, error) {
	var sum Summary
	reader := csv.NewReader(src)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return sum, nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				sum.Lines++
				sum.Malformed++
				r.warnf("unreadable csv row", "line", parseErr.Line, "error", err)
				continue
			}
			return sum, err
		}
		sum.Lines++
		line := strings.Join(row, ",")
		if err := r.handle(line, logparse.ModeFile, &sum, fn); err != nil {
			return sum, err
		}
	}
}

func (r *Replayer) replayLines(ctx context.Context, src io.Reader, fn Handler) (Summary, error) {
	var sum Summary
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Lines++
		if err := r.handle(scanner.Text(), logparse.ModeStream, &sum, fn); err != nil {
			return sum, err
		}
	}
	return sum, scanner.Err()
}

// handle parses one line and reports handler errors only.
func (r *Replayer) handle(line string, mode logparse.Mode, sum *Summary, fn Handler) error {
	line = strings.TrimRight(line, "\r")
	rec, err := r.parser.Parse(line, mode, logparse.TimestampPrefix(line))
	if err != nil {
		sum.Malformed++
		return nil
	}
	if rec == nil {
		sum.Skipped++
		return nil
	}
	sum.Records++
	if err := fn(rec); err != nil {
		return fmt.Errorf("handle frame %d: %w", rec.FrameID, err)
	}
	return nil
}

func (r *Replayer) warnf(msg string, args ...any) {
	r.warn.Do(func() { r.logger.Warn(msg, args...) })
}
