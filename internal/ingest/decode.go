// Package ingest receives frames from the device over TCP. Each connection
// carries one length-prefixed frame followed by a JSON log terminated by
// CR LF CR LF.
package ingest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"adas-telemetry-go/internal/types"
)

type Mode int

const (
	// ModeLog carries only the JSON log.
	ModeLog Mode = iota
	// ModeImageLog carries frame index, image and JSON log.
	ModeImageLog
	// ModeImageLogPath adds the device-side image path before the log.
	ModeImageLogPath
)

func (m Mode) String() string {
	switch m {
	case ModeLog:
		return "log"
	case ModeImageLog:
		return "image"
	case ModeImageLogPath:
		return "image-path"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) hasImage() bool { return m == ModeImageLog || m == ModeImageLogPath }

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "log", "log-only":
		return ModeLog, nil
	case "image", "image-log":
		return ModeImageLog, nil
	case "image-path", "image-log-path":
		return ModeImageLogPath, nil
	default:
		return 0, fmt.Errorf("unknown frame mode %q", s)
	}
}

const (
	DefaultMaxImageBytes = 32 << 20
	DefaultMaxPathBytes  = 4 << 10
	DefaultMaxLogBytes   = 4 << 20
)

var terminator = []byte("\r\n\r\n")

var (
	ErrEmptyLog      = errors.New("frame log is empty")
	ErrInvalidUTF8   = errors.New("frame log is not valid UTF-8")
	ErrFieldTooLarge = errors.New("frame field exceeds limit")
)

// TruncatedPayloadError reports a connection that closed before a
// length-prefixed field was complete.
type TruncatedPayloadError struct {
	Field string
	Want  int
	Got   int
}

func (e *TruncatedPayloadError) Error() string {
	return fmt.Sprintf("truncated %s: got %d of %d bytes", e.Field, e.Got, e.Want)
}

// Decoder reads one frame per call. Zero limits fall back to the defaults.
type Decoder struct {
	Mode          Mode
	MaxImageBytes int
	MaxPathBytes  int
	MaxLogBytes   int
}

func NewDecoder(mode Mode) *Decoder {
	return &Decoder{
		Mode:          mode,
		MaxImageBytes: DefaultMaxImageBytes,
		MaxPathBytes:  DefaultMaxPathBytes,
		MaxLogBytes:   DefaultMaxLogBytes,
	}
}

// Decode reads a single frame from r. On any error no record is returned.
func (d *Decoder) Decode(r io.Reader) (types.FrameRecord, error) {
	var rec types.FrameRecord

	if d.Mode.hasImage() {
		index, err := readUint32(r, "frame index")
		if err != nil {
			return types.FrameRecord{}, err
		}
		rec.FrameIndex = &index

		image, err := readSized(r, "image", limitOr(d.MaxImageBytes, DefaultMaxImageBytes))
		if err != nil {
			return types.FrameRecord{}, err
		}
		rec.Image = image
	}

	if d.Mode == ModeImageLogPath {
		path, err := readSized(r, "image path", limitOr(d.MaxPathBytes, DefaultMaxPathBytes))
		if err != nil {
			return types.FrameRecord{}, err
		}
		if !utf8.Valid(path) {
			return types.FrameRecord{}, fmt.Errorf("image path: %w", ErrInvalidUTF8)
		}
		p := string(path)
		rec.ImagePath = &p
	}

	text, err := readLog(r, limitOr(d.MaxLogBytes, DefaultMaxLogBytes))
	if err != nil {
		return types.FrameRecord{}, err
	}
	rec.RawLog = text
	return rec, nil
}

func limitOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func readUint32(r io.Reader, field string) (uint32, error) {
	var buf [4]byte
	if err := readExact(r, buf[:], field); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readSized(r io.Reader, field string, limit int) ([]byte, error) {
	size, err := readUint32(r, field+" size")
	if err != nil {
		return nil, err
	}
	if uint64(size) > uint64(limit) {
		return nil, fmt.Errorf("%s size %d > %d: %w", field, size, limit, ErrFieldTooLarge)
	}
	buf := make([]byte, size)
	if err := readExact(r, buf, field); err != nil {
		return nil, err
	}
	return buf, nil
}

// readExact fills buf or reports how far it got.
func readExact(r io.Reader, buf []byte, field string) error {
	n, err := io.ReadFull(r, buf)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &TruncatedPayloadError{Field: field, Want: len(buf), Got: n}
	}
	return fmt.Errorf("read %s: %w", field, err)
}

// readLog reads until the terminator or EOF. Anything after the terminator
// is discarded with the connection. The text is returned byte for byte.
func readLog(r io.Reader, limit int) (string, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			// The terminator may straddle the previous chunk.
			from := max(0, buf.Len()-len(terminator)+1)
			buf.Write(chunk[:n])
			if i := bytes.Index(buf.Bytes()[from:], terminator); i >= 0 {
				buf.Truncate(from + i)
				break
			}
			if buf.Len() > limit {
				return "", fmt.Errorf("log exceeds %d bytes: %w", limit, ErrFieldTooLarge)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("read log: %w", err)
		}
	}

	if !utf8.Valid(buf.Bytes()) {
		return "", ErrInvalidUTF8
	}
	text := buf.String()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyLog
	}
	return text, nil
}
