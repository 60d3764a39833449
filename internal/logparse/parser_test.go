package logparse

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"adas-telemetry-go/internal/types"
)

const sampleDoc = `{"frame_ID":{"12":{` +
	`"detectObj":{"VEHICLE":[{"detectObj.x1":10,"detectObj.y1":20,"detectObj.x2":110,"detectObj.y2":90,"detectObj.label":"CAR","detectObj.confidence":0.91},` +
	`{"detectObj.x1":1,"detectObj.y1":2}],"HUMAN":[]},` +
	`"tailingObj":[{"tailingObj.x1":30,"tailingObj.y1":40,"tailingObj.x2":130,"tailingObj.y2":140,"tailingObj.label":"VEHICLE","tailingObj.distanceToCamera":12.5,"tailingObj.id":3}],` +
	`"vanishLineY":[{"vanishlineY":161}],` +
	`"ADAS":[{"FCW":"true","LDW":false}],` +
	`"LaneInfo":[{"isDetectLine":1,"pLeftCarhood.x":100,"pLeftCarhood.y":280,"pRightCarhood.x":480,"pRightCarhood.y":281,"pLeftFar.x":250,"pLeftFar.y":170,"pRightFar.x":330,"pRightFar.y":171}],` +
	`"debugProfile":[{"inferenceTime":23.4,"bufferSize":2}]` +
	`}}}`

func streamLine(doc string) string {
	return `2024-08-09T17:54:31.291871+00:00,"[JSON] [debug] json:` + strings.ReplaceAll(doc, `"`, `""`) + `"`
}

func fileLine(doc string) string {
	return `2024-08-09T17:54:31.291871+00:00,[JSON] [debug] json:"` + strings.ReplaceAll(doc, `"`, `\"`) + `"`
}

func fixedClock() time.Time {
	return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestParseStreamAndFileAgree(t *testing.T) {
	p := New(WithLocation(time.UTC), WithClock(fixedClock))

	stream, err := p.Parse(streamLine(sampleDoc), ModeStream, "")
	if err != nil {
		t.Fatalf("stream parse error: %v", err)
	}
	file, err := p.Parse(fileLine(sampleDoc), ModeFile, "")
	if err != nil {
		t.Fatalf("file parse error: %v", err)
	}
	if stream == nil || file == nil {
		t.Fatalf("expected records, got stream=%v file=%v", stream, file)
	}
	if stream.FrameID != 12 || file.FrameID != 12 {
		t.Fatalf("unexpected frame ids: stream=%d file=%d", stream.FrameID, file.FrameID)
	}

	// Only the timestamp differs: stream mode falls back to the clock.
	if stream.Timestamp == nil || *stream.Timestamp != epochSeconds(fixedClock()) {
		t.Fatalf("unexpected stream timestamp: %v", stream.Timestamp)
	}
	if file.Timestamp != nil {
		t.Fatalf("file mode without hint should leave timestamp nil, got %v", *file.Timestamp)
	}
	stream.Timestamp = nil
	a, _ := json.Marshal(stream)
	b, _ := json.Marshal(file)
	if string(a) != string(b) {
		t.Fatalf("stream and file records differ:\n%s\n%s", a, b)
	}
}

func TestParseFields(t *testing.T) {
	rec, err := New(WithLocation(time.UTC)).Parse(fileLine(sampleDoc), ModeFile, "")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	if len(rec.Detections.Vehicle) != 1 {
		t.Fatalf("expected incomplete vehicle entry to be skipped, got %d", len(rec.Detections.Vehicle))
	}
	car := rec.Detections.Vehicle[0]
	if car.Label != "CAR" || car.Confidence != 0.91 || car.BBox.Width() != 100 || car.BBox.Height() != 70 {
		t.Fatalf("unexpected vehicle detection: %+v", car)
	}
	if rec.Detections.Pedestrian == nil || len(rec.Detections.Pedestrian) != 0 {
		t.Fatalf("present but empty HUMAN list should be empty non-nil, got %#v", rec.Detections.Pedestrian)
	}

	tail := rec.TailingObject
	if tail == nil || tail.ID != 3 || tail.DistanceToCamera != 12.5 || tail.Label != "VEHICLE" {
		t.Fatalf("unexpected tailing object: %+v", tail)
	}
	if tail.BBox != (types.BBox{X1: 30, Y1: 40, X2: 130, Y2: 140}) {
		t.Fatalf("unexpected tailing bbox: %+v", tail.BBox)
	}

	if rec.VanishLineY == nil || *rec.VanishLineY != 161 {
		t.Fatalf("unexpected vanish line: %v", rec.VanishLineY)
	}

	if !rec.ADAS.ForwardCollision() || rec.ADAS.LaneDeparture() || rec.ADAS.LDW == nil {
		t.Fatalf("unexpected ADAS events: %+v", rec.ADAS)
	}

	lane := rec.Lane
	if lane == nil || !lane.Detected {
		t.Fatalf("unexpected lane: %+v", lane)
	}
	if lane.LeftNear != (types.Point{X: 100, Y: 280}) || lane.RightFar != (types.Point{X: 330, Y: 171}) {
		t.Fatalf("unexpected lane points: %+v", lane)
	}

	dbg := rec.DebugProfile
	if dbg == nil || dbg.InferenceTime == nil || *dbg.InferenceTime != 23.4 || dbg.BufferSize == nil || *dbg.BufferSize != 2 {
		t.Fatalf("unexpected debug profile: %+v", dbg)
	}
}

func TestParseAbsentFieldsStayNil(t *testing.T) {
	rec, err := ParseLine(`json:{"frame_ID":{"7":{}}}`, ModeFile, "")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if rec.FrameID != 7 {
		t.Fatalf("unexpected frame id: %d", rec.FrameID)
	}
	if rec.Detections.Vehicle != nil || rec.Detections.Pedestrian != nil {
		t.Fatalf("expected nil detections, got %+v", rec.Detections)
	}
	if rec.TailingObject != nil || rec.VanishLineY != nil || rec.ADAS != nil || rec.Lane != nil || rec.DebugProfile != nil {
		t.Fatalf("expected absent fields to stay nil: %+v", rec)
	}
}

func TestParseFCWEncodings(t *testing.T) {
	cases := []struct {
		raw  string
		want *bool
	}{
		{`true`, boolPtr(true)},
		{`false`, boolPtr(false)},
		{`"true"`, boolPtr(true)},
		{`"False"`, boolPtr(false)},
		{`1`, boolPtr(true)},
		{`0`, boolPtr(false)},
		{`"maybe"`, nil},
	}
	for _, tc := range cases {
		line := `json:{"frame_ID":{"1":{"ADAS":[{"FCW":` + tc.raw + `}]}}}`
		rec, err := ParseLine(line, ModeFile, "")
		if err != nil {
			t.Fatalf("FCW=%s: parse error: %v", tc.raw, err)
		}
		got := rec.ADAS.FCW
		switch {
		case tc.want == nil && got != nil:
			t.Fatalf("FCW=%s: expected absent, got %v", tc.raw, *got)
		case tc.want != nil && (got == nil || *got != *tc.want):
			t.Fatalf("FCW=%s: expected %v, got %v", tc.raw, *tc.want, got)
		}
	}
}

func TestParseWithoutMarker(t *testing.T) {
	rec, err := ParseLine("2024-08-09T17:54:31,[INFO] camera started", ModeStream, "")
	if rec != nil || err != nil {
		t.Fatalf("expected nil, nil; got %v, %v", rec, err)
	}
}

func TestParseRequiresTag(t *testing.T) {
	p := New(WithTag("[JSON]"))
	rec, err := p.Parse(`[DEBUG] json:{"frame_ID":{"1":{}}}`, ModeFile, "")
	if rec != nil || err != nil {
		t.Fatalf("untagged line: expected nil, nil; got %v, %v", rec, err)
	}
	rec, err = p.Parse(`[JSON] [debug] json:{"frame_ID":{"1":{}}}`, ModeFile, "")
	if err != nil || rec == nil || rec.FrameID != 1 {
		t.Fatalf("tagged line: got %v, %v", rec, err)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		`json:{"frame_ID":`,
		`json:{"frame_ID":{}}`,
		`json:{"frame_ID":{"1":{},"2":{}}}`,
		`json:{"frame_ID":{"abc":{}}}`,
		`json:{"other":1}`,
	}
	for _, line := range cases {
		rec, err := ParseLine(line, ModeFile, "")
		if rec != nil {
			t.Fatalf("%s: expected no record", line)
		}
		var malformed *MalformedLogError
		if !errors.As(err, &malformed) {
			t.Fatalf("%s: expected MalformedLogError, got %v", line, err)
		}
	}

	_, err := ParseLine(`json:{"frame_ID":{}}`, ModeFile, "")
	if !errors.Is(err, ErrNoFrame) {
		t.Fatalf("expected ErrNoFrame, got %v", err)
	}
}

func TestParseStreamEscapingIsNotFileEscaping(t *testing.T) {
	// Doubled quotes are not a valid file-mode encoding.
	_, err := ParseLine(streamLine(`{"frame_ID":{"12":{}}}`), ModeFile, "")
	if err == nil {
		t.Fatalf("expected stream-escaped line to fail in file mode")
	}
}

func TestParseTimestampHint(t *testing.T) {
	p := New(WithLocation(time.UTC))
	line := fileLine(`{"frame_ID":{"5":{}}}`)

	rec, err := p.Parse(line, ModeFile, TimestampPrefix(line))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	want := epochSeconds(time.Date(2024, 8, 9, 17, 54, 31, 291871000, time.UTC))
	if rec.Timestamp == nil || math.Abs(*rec.Timestamp-want) > 1e-6 {
		t.Fatalf("unexpected timestamp: %v want %v", rec.Timestamp, want)
	}

	rec, err = p.Parse(line, ModeStream, "not a time")
	if err == nil && rec.Timestamp != nil {
		t.Fatalf("unparsable hint should leave timestamp nil")
	}
}

func TestTimestampPrefix(t *testing.T) {
	if got := TimestampPrefix(" 2024-08-09 17:54:31 , rest"); got != "2024-08-09 17:54:31" {
		t.Fatalf("unexpected prefix %q", got)
	}
	if got := TimestampPrefix("no comma"); got != "" {
		t.Fatalf("expected empty prefix, got %q", got)
	}
}

func TestVanishLineVariants(t *testing.T) {
	cases := map[string]float64{
		`"vanishLineY":[155]`:                   155,
		`"vanishLineY":[{"vanishLineY":"156"}]`: 156,
		`"vanishLine":[{"vanishLine":157}]`:     157,
	}
	for body, want := range cases {
		rec, err := ParseLine(`json:{"frame_ID":{"1":{`+body+`}}}`, ModeFile, "")
		if err != nil {
			t.Fatalf("%s: parse error: %v", body, err)
		}
		if rec.VanishLineY == nil || *rec.VanishLineY != want {
			t.Fatalf("%s: unexpected vanish line %v", body, rec.VanishLineY)
		}
	}
}

func TestParseFrameUsesBareDocument(t *testing.T) {
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	rec, err := New().ParseFrame(types.FrameRecord{
		RawLog:     `{"frame_ID":{"42":{"ADAS":[{"FCW":false,"LDW":true}]}}}`,
		ReceivedAt: at,
	})
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if rec.FrameID != 42 || !rec.ADAS.LaneDeparture() {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Timestamp == nil || *rec.Timestamp != epochSeconds(at) {
		t.Fatalf("expected receive time as timestamp, got %v", rec.Timestamp)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("stream"); err != nil || m != ModeStream {
		t.Fatalf("stream: %v %v", m, err)
	}
	if m, err := ParseMode("File"); err != nil || m != ModeFile {
		t.Fatalf("file: %v %v", m, err)
	}
	if _, err := ParseMode("csv"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func boolPtr(v bool) *bool { return &v }

func TestDetectionsKeepEmptyCategory(t *testing.T) {
	rec, err := New(WithLocation(time.UTC)).Parse(fileLine(sampleDoc), ModeFile, "")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	out, err := json.Marshal(rec.Detections)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if !strings.Contains(string(out), `"pedestrian":[]`) {
		t.Fatalf("present but empty category lost: %s", out)
	}

	doc := `{"frame_ID":{"5":{"detectObj":{"HUMAN":[]}}}}`
	rec, err = New().ParseDocument(doc, nil)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	out, _ = json.Marshal(rec.Detections)
	if string(out) != `{"vehicle":null,"pedestrian":[]}` {
		t.Fatalf("absent and empty categories not distinct: %s", out)
	}
}

func TestMalformedErrorClipsOnRuneBoundary(t *testing.T) {
	text := strings.Repeat("a", 159) + "é" + strings.Repeat("b", 40)
	msg := (&MalformedLogError{Text: text, Err: errors.New("bad")}).Error()
	if !strings.Contains(msg, strings.Repeat("a", 159)+`..."`) {
		t.Fatalf("unexpected clipped message: %s", msg)
	}
	if got := clip(text, 160); !utf8.ValidString(got) || got != strings.Repeat("a", 159)+"..." {
		t.Fatalf("clip split a rune: %q", got)
	}
}
