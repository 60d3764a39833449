package processing

import (
	"math"
	"testing"

	"adas-telemetry-go/internal/types"
)

func record(id int, ts float64) *types.TelemetryRecord {
	return &types.TelemetryRecord{FrameID: id, Timestamp: ptr(ts)}
}

func withDistance(rec *types.TelemetryRecord, d float64) *types.TelemetryRecord {
	rec.TailingObject = &types.TailingObject{ID: 1, DistanceToCamera: d}
	return rec
}

func TestAggregatorCounts(t *testing.T) {
	agg := NewAggregator()

	r1 := withDistance(record(1, 100), 20)
	r1.ADAS = &types.ADASEvents{FCW: ptr(true), LDW: ptr(false)}
	r1.DebugProfile = &types.DebugProfile{InferenceTime: ptr(20.0), BufferSize: ptr(3)}
	r1.Detections.Vehicle = make([]types.Detection, 2)

	r2 := withDistance(record(2, 100.5), 8)
	r2.ADAS = &types.ADASEvents{LDW: ptr(true)}
	r2.DebugProfile = &types.DebugProfile{InferenceTime: ptr(30.0)}
	r2.Lane = &types.LaneGeometry{Detected: true}
	r2.Detections.Pedestrian = make([]types.Detection, 1)

	r3 := record(5, 101)

	for _, r := range []*types.TelemetryRecord{r1, r2, r3, nil} {
		agg.AddRecord(r)
	}

	s := agg.Snapshot()
	if s.Frames != 3 || s.FCWEvents != 1 || s.LDWEvents != 1 || s.LaneDetected != 1 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.Vehicles != 2 || s.Pedestrians != 1 || s.TailingFrames != 2 {
		t.Fatalf("unexpected detection counts: %+v", s)
	}
	if s.FrameGaps != 1 || s.LastFrameID != 5 {
		t.Fatalf("unexpected gap tracking: gaps=%d last=%d", s.FrameGaps, s.LastFrameID)
	}
	if *s.MeanInferenceMS != 25 || *s.MaxInferenceMS != 30 || *s.LastBufferSize != 3 {
		t.Fatalf("unexpected debug stats: %v %v %v", *s.MeanInferenceMS, *s.MaxInferenceMS, *s.LastBufferSize)
	}
	if *s.MinDistance != 8 || *s.MaxDistance != 20 {
		t.Fatalf("unexpected distance range: %v %v", *s.MinDistance, *s.MaxDistance)
	}
	if s.FramesPerSecond == nil || math.Abs(*s.FramesPerSecond-2) > 1e-9 {
		t.Fatalf("unexpected fps: %v", s.FramesPerSecond)
	}

	*s.MinDistance = -1
	if *agg.Snapshot().MinDistance != 8 {
		t.Fatalf("snapshot aliases aggregator state")
	}

	agg.Reset()
	if s := agg.Snapshot(); s.Frames != 0 || s.MinDistance != nil {
		t.Fatalf("reset did not clear stats: %+v", s)
	}
}

func TestMatchRate(t *testing.T) {
	historical := []*types.TelemetryRecord{
		withDistance(record(1, 0), 10.0),
		withDistance(record(2, 0), 11.0),
		record(3, 0),
		withDistance(record(4, 0), 13.0),
		withDistance(record(1, 0), 99.0),
	}
	live := []*types.TelemetryRecord{
		withDistance(record(1, 0), 10.4),
		withDistance(record(2, 0), 12.5),
		withDistance(record(3, 0), 12.0),
		withDistance(record(9, 0), 1.0),
	}

	res := MatchRate(historical, live, 0.5)
	if res.Common != 3 || res.Matches != 1 {
		t.Fatalf("unexpected match result: %+v", res)
	}
	if math.Abs(res.Rate-100.0/3) > 1e-9 {
		t.Fatalf("unexpected rate %v", res.Rate)
	}

	if res := MatchRate(nil, live, 1); res.Common != 0 || res.Rate != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}
