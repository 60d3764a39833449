package ingest

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"adas-telemetry-go/internal/types"
)

// Encode writes rec in the wire layout of mode. It is the inverse of
// Decoder.Decode and is what the simulator sends.
func Encode(w io.Writer, mode Mode, rec types.FrameRecord) error {
	bw := bufio.NewWriter(w)

	if mode.hasImage() {
		var index uint32
		if rec.FrameIndex != nil {
			index = *rec.FrameIndex
		}
		writeUint32(bw, index)
		if err := writeSized(bw, "image", rec.Image); err != nil {
			return err
		}
	}
	if mode == ModeImageLogPath {
		var path string
		if rec.ImagePath != nil {
			path = *rec.ImagePath
		}
		if err := writeSized(bw, "image path", []byte(path)); err != nil {
			return err
		}
	}

	if _, err := bw.WriteString(rec.RawLog); err != nil {
		return err
	}
	if _, err := bw.Write(terminator); err != nil {
		return err
	}
	return bw.Flush()
}

func writeUint32(w *bufio.Writer, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, _ = w.Write(buf[:])
}

func writeSized(w *bufio.Writer, field string, b []byte) error {
	if uint64(len(b)) > 0xFFFFFFFF {
		return fmt.Errorf("%s too large: %d bytes", field, len(b))
	}
	writeUint32(w, uint32(len(b)))
	_, err := w.Write(b)
	return err
}
