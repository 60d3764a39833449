// Package emitter publishes parsed telemetry to downstream consumers.
package emitter

import (
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"adas-telemetry-go/internal/types"
)

// Event is one parsed frame as published downstream.
type Event struct {
	SessionID string                 `json:"session_id" cbor:"session_id"`
	Telemetry *types.TelemetryRecord `json:"telemetry" cbor:"telemetry"`
	Frame     *types.FrameSummary    `json:"frame,omitempty" cbor:"frame,omitempty"`
}

type Sink interface {
	Emit(ev Event) error
	Close() error
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Fanout sends every event to all sinks. A failing sink does not stop the
// others.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
	warn   rate.Sometimes
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		sinks:  sinks,
		logger: logger,
		warn:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Emit(ev Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Emit(ev); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		f.warn.Do(func() { f.logger.Warn("emit failed", "error", err) })
	}
	return err
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
