// Package output persists what a session received: raw frame recordings and
// telemetry CSV exports.
package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"adas-telemetry-go/internal/compression"
	"adas-telemetry-go/internal/types"
)

// RawLogMagic opens every recording, inside the compression frame.
const RawLogMagic = "ADASRAW1"

const rawLogHeaderSize = 12

var ErrBadMagic = errors.New("not an ADAS raw log")

// recordEncoding keeps receive times at full precision; the default CBOR
// time mode truncates to whole seconds.
var recordEncoding = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

type flusher interface {
	Flush() error
}

// RawLogWriter appends CBOR-encoded frame records to a recording. Each
// record is prefixed by its receive time (Unix ns) and payload length, both
// little endian.
type RawLogWriter struct {
	mu   sync.Mutex
	f    *os.File
	buf  *bufio.Writer
	w    io.WriteCloser
	path string
	n    int
}

// NewRawLogWriter creates <outputDir>/<timestamp>_<prefix>.bin plus the
// compression suffix.
func NewRawLogWriter(outputDir, prefix string, alg compression.Algorithm) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin%s", timestamp, prefix, alg.Extension()))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriterSize(f, 1024*1024)
	w, err := compression.NewWriter(buf, alg)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r := &RawLogWriter{f: f, buf: buf, w: w, path: filename}
	if _, err := io.WriteString(w, RawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := r.flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *RawLogWriter) Path() string { return r.path }

// Count returns the number of records written.
func (r *RawLogWriter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Record appends rec and flushes it to disk.
func (r *RawLogWriter) Record(rec types.FrameRecord) error {
	payload, err := recordEncoding.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	ts := rec.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("raw log writer is closed")
	}
	var header [rawLogHeaderSize]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(ts.UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	r.n++
	return r.flush()
}

func (r *RawLogWriter) flush() error {
	if f, ok := r.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	return r.buf.Flush()
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	err := r.w.Close()
	if ferr := r.buf.Flush(); err == nil {
		err = ferr
	}
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	r.w = nil
	return err
}

// RawLogEntry is one record read back from a recording.
type RawLogEntry struct {
	Time    time.Time
	Size    int
	Payload []byte
}

// Frame decodes the entry payload.
func (e RawLogEntry) Frame() (types.FrameRecord, error) {
	var rec types.FrameRecord
	if err := cbor.Unmarshal(e.Payload, &rec); err != nil {
		return types.FrameRecord{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// RawLogReader iterates over a recording. The compression is detected from
// the stream.
type RawLogReader struct {
	r      io.Reader
	closer io.Closer
	dec    io.Closer
}

func OpenRawLog(path string) (*RawLogReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewRawLogReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

func NewRawLogReader(src io.Reader) (*RawLogReader, error) {
	br := bufio.NewReader(src)
	alg, err := compression.Detect(br)
	if err != nil {
		return nil, err
	}
	dec, err := compression.NewReader(br, alg)
	if err != nil {
		return nil, err
	}
	magic := make([]byte, len(RawLogMagic))
	if _, err := io.ReadFull(dec, magic); err != nil {
		_ = dec.Close()
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != RawLogMagic {
		_ = dec.Close()
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, magic)
	}
	return &RawLogReader{r: dec, dec: dec}, nil
}

// Next returns the next entry, or io.EOF after the last complete one. A
// record cut short by a crash also ends the stream with io.EOF.
func (r *RawLogReader) Next() (RawLogEntry, error) {
	var header [rawLogHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return RawLogEntry{}, io.EOF
		}
		return RawLogEntry{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(header[:8]))
	size := binary.LittleEndian.Uint32(header[8:12])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return RawLogEntry{}, io.EOF
		}
		return RawLogEntry{}, err
	}
	return RawLogEntry{
		Time:    time.Unix(0, ts),
		Size:    int(size),
		Payload: payload,
	}, nil
}

func (r *RawLogReader) Close() error {
	err := r.dec.Close()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// NormalizeJSONValue converts generically decoded CBOR (which may contain
// map[any]any and raw byte strings) into values encoding/json accepts.
// Byte strings are replaced by a length summary.
func NormalizeJSONValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = NormalizeJSONValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = NormalizeJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = NormalizeJSONValue(item)
		}
		return out
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(val))
	case cbor.Tag:
		return NormalizeJSONValue(val.Content)
	default:
		return v
	}
}
