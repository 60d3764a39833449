package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"adas-telemetry-go/internal/types"
)

// TelemetryColumns is the header row of telemetry CSV exports.
var TelemetryColumns = []string{
	"timestamp", "frame_id",
	"fcw", "ldw",
	"tailing_id", "tailing_label", "distance_to_camera",
	"tailing_x1", "tailing_y1", "tailing_x2", "tailing_y2",
	"vanish_line_y", "lane_detected",
	"vehicles", "pedestrians",
	"inference_time", "buffer_size",
}

// TelemetryCSV streams telemetry records as CSV rows. Absent fields are
// written as empty cells.
type TelemetryCSV struct {
	w      *csv.Writer
	header bool
}

func NewTelemetryCSV(w io.Writer) *TelemetryCSV {
	return &TelemetryCSV{w: csv.NewWriter(w)}
}

func (t *TelemetryCSV) Write(rec *types.TelemetryRecord) error {
	if !t.header {
		if err := t.w.Write(TelemetryColumns); err != nil {
			return err
		}
		t.header = true
	}
	return t.w.Write(telemetryRow(rec))
}

func (t *TelemetryCSV) Flush() error {
	t.w.Flush()
	return t.w.Error()
}

// WriteTelemetryCSV writes records to <outputDir>/<runTimestamp>_telemetry.csv
// and returns the file name.
func WriteTelemetryCSV(outputDir, runTimestamp string, records []*types.TelemetryRecord) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_telemetry.csv", runTimestamp))
	f, err := os.Create(filename)
	if err != nil {
		return "", err
	}
	out := NewTelemetryCSV(f)
	for _, rec := range records {
		if err := out.Write(rec); err != nil {
			_ = f.Close()
			return "", err
		}
	}
	if err := out.Flush(); err != nil {
		_ = f.Close()
		return "", err
	}
	return filename, f.Close()
}

func telemetryRow(rec *types.TelemetryRecord) []string {
	row := make([]string, len(TelemetryColumns))
	row[0] = optFloat(rec.Timestamp)
	row[1] = strconv.Itoa(rec.FrameID)
	if rec.ADAS != nil {
		row[2] = optBool(rec.ADAS.FCW)
		row[3] = optBool(rec.ADAS.LDW)
	}
	if tail := rec.TailingObject; tail != nil {
		row[4] = strconv.Itoa(tail.ID)
		row[5] = tail.Label
		row[6] = formatFloat(tail.DistanceToCamera)
		row[7] = formatFloat(tail.BBox.X1)
		row[8] = formatFloat(tail.BBox.Y1)
		row[9] = formatFloat(tail.BBox.X2)
		row[10] = formatFloat(tail.BBox.Y2)
	}
	row[11] = optFloat(rec.VanishLineY)
	if rec.Lane != nil {
		row[12] = strconv.FormatBool(rec.Lane.Detected)
	}
	row[13] = strconv.Itoa(len(rec.Detections.Vehicle))
	row[14] = strconv.Itoa(len(rec.Detections.Pedestrian))
	if dbg := rec.DebugProfile; dbg != nil {
		row[15] = optFloat(dbg.InferenceTime)
		if dbg.BufferSize != nil {
			row[16] = strconv.Itoa(*dbg.BufferSize)
		}
	}
	return row
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func optBool(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}
