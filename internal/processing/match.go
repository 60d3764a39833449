package processing

import (
	"math"

	"adas-telemetry-go/internal/types"
)

// MatchResult compares the tailing distance of two runs over the same
// footage, typically a historical replay against a live session.
type MatchResult struct {
	Common  int     `json:"common_frames"`
	Matches int     `json:"matches"`
	Rate    float64 `json:"match_rate"` // percent of common frames
}

// MatchRate counts frames present in both runs whose tailing distances
// differ by at most tolerance. A frame where either run has no distance is
// common but never a match. Only the first record of a frame id counts.
func MatchRate(a, b []*types.TelemetryRecord, tolerance float64) MatchResult {
	first := distancesByFrame(a)
	second := distancesByFrame(b)

	var res MatchResult
	for id, d1 := range first {
		d2, ok := second[id]
		if !ok {
			continue
		}
		res.Common++
		if math.IsNaN(d1) || math.IsNaN(d2) {
			continue
		}
		if math.Abs(d1-d2) <= tolerance {
			res.Matches++
		}
	}
	if res.Common > 0 {
		res.Rate = float64(res.Matches) / float64(res.Common) * 100
	}
	return res
}

func distancesByFrame(records []*types.TelemetryRecord) map[int]float64 {
	out := make(map[int]float64, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if _, seen := out[rec.FrameID]; seen {
			continue
		}
		d := math.NaN()
		if rec.TailingObject != nil {
			d = rec.TailingObject.DistanceToCamera
		}
		out[rec.FrameID] = d
	}
	return out
}
