package types

// TelemetryRecord is the structured content of one log line's embedded JSON.
// Pointer and slice fields are nil when the source JSON did not carry them.
type TelemetryRecord struct {
	Timestamp     *float64       `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
	FrameID       int            `json:"frame_id" cbor:"frame_id"`
	Detections    Detections     `json:"detections" cbor:"detections"`
	TailingObject *TailingObject `json:"tailing_object,omitempty" cbor:"tailing_object,omitempty"`
	VanishLineY   *float64       `json:"vanish_line_y,omitempty" cbor:"vanish_line_y,omitempty"`
	ADAS          *ADASEvents    `json:"adas_events,omitempty" cbor:"adas_events,omitempty"`
	Lane          *LaneGeometry  `json:"lane_info,omitempty" cbor:"lane_info,omitempty"`
	DebugProfile  *DebugProfile  `json:"debug_profile,omitempty" cbor:"debug_profile,omitempty"`
}

// Detections keeps a category that was absent (nil, encoded as null) apart
// from one that was present but empty (encoded as []).
type Detections struct {
	Vehicle    []Detection `json:"vehicle" cbor:"vehicle"`
	Pedestrian []Detection `json:"pedestrian" cbor:"pedestrian"`
}

type BBox struct {
	X1 float64 `json:"x1" cbor:"x1"`
	Y1 float64 `json:"y1" cbor:"y1"`
	X2 float64 `json:"x2" cbor:"x2"`
	Y2 float64 `json:"y2" cbor:"y2"`
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

type Point struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
}

type Detection struct {
	BBox       BBox    `json:"bbox" cbor:"bbox"`
	Label      string  `json:"label" cbor:"label"`
	Confidence float64 `json:"confidence" cbor:"confidence"`
}

// TailingObject is the primary tracked target ahead of the vehicle.
type TailingObject struct {
	ID               int     `json:"id" cbor:"id"`
	BBox             BBox    `json:"bbox" cbor:"bbox"`
	Label            string  `json:"label,omitempty" cbor:"label,omitempty"`
	DistanceToCamera float64 `json:"distance_to_camera" cbor:"distance_to_camera"`
}

// ADASEvents holds the warning flags. A nil flag means the firmware did not
// report it for this frame.
type ADASEvents struct {
	FCW *bool `json:"fcw,omitempty" cbor:"fcw,omitempty"`
	LDW *bool `json:"ldw,omitempty" cbor:"ldw,omitempty"`
}

// ForwardCollision reports whether FCW was present and set.
func (e *ADASEvents) ForwardCollision() bool {
	return e != nil && e.FCW != nil && *e.FCW
}

// LaneDeparture reports whether LDW was present and set.
func (e *ADASEvents) LaneDeparture() bool {
	return e != nil && e.LDW != nil && *e.LDW
}

type LaneGeometry struct {
	Detected  bool  `json:"detected" cbor:"detected"`
	LeftNear  Point `json:"left_near" cbor:"left_near"`
	RightNear Point `json:"right_near" cbor:"right_near"`
	LeftFar   Point `json:"left_far" cbor:"left_far"`
	RightFar  Point `json:"right_far" cbor:"right_far"`
}

type DebugProfile struct {
	InferenceTime *float64 `json:"inference_time,omitempty" cbor:"inference_time,omitempty"`
	BufferSize    *int     `json:"buffer_size,omitempty" cbor:"buffer_size,omitempty"`
}
