package types

// UIMessage is what the websocket feed sends to browser clients.
type UIMessage struct {
	Type      string           `json:"type"`
	Telemetry *TelemetryRecord `json:"telemetry,omitempty"`
	Frame     *FrameSummary    `json:"frame,omitempty"`
	Stats     *TelemetryStats  `json:"stats,omitempty"`
}

// FrameSummary describes a received frame without its image bytes.
type FrameSummary struct {
	FrameIndex *uint32 `json:"frame_index,omitempty"`
	ImageBytes int     `json:"image_bytes"`
	ImagePath  *string `json:"image_path,omitempty"`
	RemoteAddr string  `json:"remote_addr,omitempty"`
	ReceivedAt float64 `json:"received_at"`
}

// Summarize builds the UI view of a frame record.
func Summarize(rec FrameRecord) FrameSummary {
	return FrameSummary{
		FrameIndex: rec.FrameIndex,
		ImageBytes: len(rec.Image),
		ImagePath:  rec.ImagePath,
		RemoteAddr: rec.RemoteAddr,
		ReceivedAt: float64(rec.ReceivedAt.UnixNano()) / 1e9,
	}
}
