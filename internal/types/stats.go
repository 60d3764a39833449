package types

// TelemetryStats summarizes the records seen in a session.
type TelemetryStats struct {
	Frames          int      `json:"frames"`
	FCWEvents       int      `json:"fcw_events"`
	LDWEvents       int      `json:"ldw_events"`
	LaneDetected    int      `json:"lane_detected"`
	TailingFrames   int      `json:"tailing_frames"`
	Vehicles        int      `json:"vehicles"`
	Pedestrians     int      `json:"pedestrians"`
	FrameGaps       int      `json:"frame_gaps"`
	LastFrameID     int      `json:"last_frame_id"`
	MeanInferenceMS *float64 `json:"mean_inference_ms,omitempty"`
	MaxInferenceMS  *float64 `json:"max_inference_ms,omitempty"`
	LastBufferSize  *int     `json:"last_buffer_size,omitempty"`
	MinDistance     *float64 `json:"min_distance,omitempty"`
	MaxDistance     *float64 `json:"max_distance,omitempty"`
	FramesPerSecond *float64 `json:"fps,omitempty"`
	FirstTimestamp  *float64 `json:"first_timestamp,omitempty"`
	LatestTimestamp *float64 `json:"latest_timestamp,omitempty"`
}
