package types

import "time"

// FrameRecord is one decoded unit from the wire protocol. FrameIndex and
// Image are set only by the image modes, ImagePath only by image-path mode.
type FrameRecord struct {
	FrameIndex *uint32   `json:"frame_index,omitempty" cbor:"frame_index,omitempty"`
	Image      []byte    `json:"-" cbor:"image"`
	ImagePath  *string   `json:"image_path,omitempty" cbor:"image_path,omitempty"`
	RawLog     string    `json:"raw_log" cbor:"raw_log"`
	RemoteAddr string    `json:"remote_addr,omitempty" cbor:"remote_addr,omitempty"`
	ReceivedAt time.Time `json:"received_at" cbor:"received_at"`
}

// HasImage reports whether the record carried an image payload.
func (r FrameRecord) HasImage() bool {
	return r.Image != nil
}
