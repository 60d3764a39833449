package logparse

import (
	"encoding/json"

	"adas-telemetry-go/internal/types"
)

// rawFrame is one frame_ID entry. Each section stays raw so a malformed
// section only drops that section.
type rawFrame struct {
	TailingObj   json.RawMessage `json:"tailingObj"`
	DetectObj    json.RawMessage `json:"detectObj"`
	VanishLineY  json.RawMessage `json:"vanishLineY"`
	VanishLine   json.RawMessage `json:"vanishLine"`
	ADAS         json.RawMessage `json:"ADAS"`
	LaneInfo     json.RawMessage `json:"LaneInfo"`
	DebugProfile json.RawMessage `json:"debugProfile"`
}

const (
	categoryVehicle = "VEHICLE"
	categoryHuman   = "HUMAN"
)

func (f rawFrame) detections() types.Detections {
	var out types.Detections
	if len(f.DetectObj) == 0 {
		return out
	}
	var categories map[string]json.RawMessage
	if err := json.Unmarshal(f.DetectObj, &categories); err != nil {
		return out
	}
	if raw, ok := categories[categoryVehicle]; ok {
		out.Vehicle = detectionList(raw, categoryVehicle)
	}
	if raw, ok := categories[categoryHuman]; ok {
		out.Pedestrian = detectionList(raw, categoryHuman)
	}
	return out
}

func detectionList(raw json.RawMessage, category string) []types.Detection {
	list, ok := entries(raw)
	if !ok {
		return nil
	}
	out := make([]types.Detection, 0, len(list))
	for _, entry := range list {
		box, ok := entry.bbox("detectObj")
		if !ok {
			continue
		}
		confidence, ok := entry.num("detectObj.confidence")
		if !ok {
			continue
		}
		label, ok := entry.text("detectObj.label")
		if !ok || label == "" {
			label = category
		}
		out = append(out, types.Detection{
			BBox:       box,
			Label:      label,
			Confidence: confidence,
		})
	}
	return out
}

func (f fields) bbox(prefix string) (types.BBox, bool) {
	x1, ok1 := f.num(prefix + ".x1")
	y1, ok2 := f.num(prefix + ".y1")
	x2, ok3 := f.num(prefix + ".x2")
	y2, ok4 := f.num(prefix + ".y2")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return types.BBox{}, false
	}
	return types.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}, true
}

// tailing reads the single primary target; later entries are ignored.
func (f rawFrame) tailing() *types.TailingObject {
	entry, ok := firstEntry(f.TailingObj)
	if !ok {
		return nil
	}
	box, ok := entry.bbox("tailingObj")
	if !ok {
		return nil
	}
	id, ok := entry.integer("tailingObj.id")
	if !ok {
		return nil
	}
	distance, ok := entry.num("tailingObj.distanceToCamera")
	if !ok {
		return nil
	}
	label, _ := entry.text("tailingObj.label")
	return &types.TailingObject{
		ID:               id,
		BBox:             box,
		Label:            label,
		DistanceToCamera: distance,
	}
}

var vanishKeys = []string{"vanishlineY", "vanishLineY", "vanishLine"}

func (f rawFrame) vanishLine() *float64 {
	for _, raw := range []json.RawMessage{f.VanishLineY, f.VanishLine} {
		if v, ok := vanishValue(raw); ok {
			return &v
		}
	}
	return nil
}

func vanishValue(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
		return 0, false
	}
	var bare any
	if err := json.Unmarshal(list[0], &bare); err != nil {
		return 0, false
	}
	if n, err := toFloat(bare); err == nil {
		return n, true
	}
	var entry fields
	if err := json.Unmarshal(list[0], &entry); err != nil {
		return 0, false
	}
	for _, key := range vanishKeys {
		if v, ok := entry.num(key); ok {
			return v, true
		}
	}
	return 0, false
}

func (f rawFrame) adas() *types.ADASEvents {
	entry, ok := firstEntry(f.ADAS)
	if !ok {
		return nil
	}
	events := &types.ADASEvents{}
	if v, ok := entry.flag("FCW"); ok {
		events.FCW = &v
	}
	if v, ok := entry.flag("LDW"); ok {
		events.LDW = &v
	}
	return events
}

func (f rawFrame) lane() *types.LaneGeometry {
	entry, ok := firstEntry(f.LaneInfo)
	if !ok {
		return nil
	}
	detected, ok := entry.flag("isDetectLine")
	if !ok {
		return nil
	}
	lane := &types.LaneGeometry{Detected: detected}
	points := []struct {
		prefix string
		dst    *types.Point
	}{
		{"pLeftCarhood", &lane.LeftNear},
		{"pRightCarhood", &lane.RightNear},
		{"pLeftFar", &lane.LeftFar},
		{"pRightFar", &lane.RightFar},
	}
	for _, pt := range points {
		x, y, ok := entry.point(pt.prefix)
		if !ok {
			return nil
		}
		*pt.dst = types.Point{X: x, Y: y}
	}
	return lane
}

func (f rawFrame) debug() *types.DebugProfile {
	entry, ok := firstEntry(f.DebugProfile)
	if !ok {
		return nil
	}
	profile := &types.DebugProfile{}
	if v, ok := entry.num("inferenceTime"); ok {
		profile.InferenceTime = &v
	}
	if v, ok := entry.integer("bufferSize"); ok {
		profile.BufferSize = &v
	}
	if profile.InferenceTime == nil && profile.BufferSize == nil {
		return nil
	}
	return profile
}
