// Package processing keeps running statistics over parsed telemetry.
package processing

import (
	"sync"
	"time"

	"adas-telemetry-go/internal/types"
)

// Aggregator accumulates session statistics. It is safe for concurrent use;
// the consumer loop adds records while the UI server takes snapshots.
type Aggregator struct {
	mu sync.Mutex

	stats        types.TelemetryStats
	inferenceSum float64
	inferenceN   int
	seenFrame    bool
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

func (a *Aggregator) AddRecord(rec *types.TelemetryRecord) {
	if rec == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	s := &a.stats
	s.Frames++
	if a.seenFrame && rec.FrameID != s.LastFrameID+1 && rec.FrameID != s.LastFrameID {
		s.FrameGaps++
	}
	a.seenFrame = true
	s.LastFrameID = rec.FrameID

	if rec.ADAS.ForwardCollision() {
		s.FCWEvents++
	}
	if rec.ADAS.LaneDeparture() {
		s.LDWEvents++
	}
	if rec.Lane != nil && rec.Lane.Detected {
		s.LaneDetected++
	}
	s.Vehicles += len(rec.Detections.Vehicle)
	s.Pedestrians += len(rec.Detections.Pedestrian)

	if tail := rec.TailingObject; tail != nil {
		s.TailingFrames++
		d := tail.DistanceToCamera
		if s.MinDistance == nil || d < *s.MinDistance {
			s.MinDistance = ptr(d)
		}
		if s.MaxDistance == nil || d > *s.MaxDistance {
			s.MaxDistance = ptr(d)
		}
	}

	if dbg := rec.DebugProfile; dbg != nil {
		if dbg.InferenceTime != nil {
			v := *dbg.InferenceTime
			a.inferenceSum += v
			a.inferenceN++
			s.MeanInferenceMS = ptr(a.inferenceSum / float64(a.inferenceN))
			if s.MaxInferenceMS == nil || v > *s.MaxInferenceMS {
				s.MaxInferenceMS = ptr(v)
			}
		}
		if dbg.BufferSize != nil {
			s.LastBufferSize = ptr(*dbg.BufferSize)
		}
	}

	if rec.Timestamp != nil {
		ts := *rec.Timestamp
		if s.FirstTimestamp == nil {
			s.FirstTimestamp = ptr(ts)
		}
		s.LatestTimestamp = ptr(ts)
		if span := ts - *s.FirstTimestamp; span > 0 && s.Frames > 1 {
			s.FramesPerSecond = ptr(float64(s.Frames-1) / span)
		}
	}
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats = types.TelemetryStats{}
	a.inferenceSum = 0
	a.inferenceN = 0
	a.seenFrame = false
}

// Snapshot returns a copy that does not alias the aggregator's state.
func (a *Aggregator) Snapshot() types.TelemetryStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.MeanInferenceMS = clone(s.MeanInferenceMS)
	s.MaxInferenceMS = clone(s.MaxInferenceMS)
	s.LastBufferSize = clone(s.LastBufferSize)
	s.MinDistance = clone(s.MinDistance)
	s.MaxDistance = clone(s.MaxDistance)
	s.FramesPerSecond = clone(s.FramesPerSecond)
	s.FirstTimestamp = clone(s.FirstTimestamp)
	s.LatestTimestamp = clone(s.LatestTimestamp)
	return s
}

// Timestamp names session artifacts.
func Timestamp() string {
	return time.Now().Format("20060102_150405")
}

func ptr[T any](v T) *T { return &v }

func clone[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
