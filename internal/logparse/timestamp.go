package logparse

import (
	"strings"
	"time"
)

var hintLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseHint reads the leading timestamp column of a replayed row, e.g.
// "2024-08-09T17:54:31.291871+00:00". The device writes wall-clock time with
// a bogus +00:00 suffix, so the offset is dropped and the value is read in
// loc.
func parseHint(hint string, loc *time.Location) (time.Time, error) {
	hint = strings.Trim(strings.TrimSpace(hint), `"`)
	hint, _, _ = strings.Cut(hint, "+00:00")
	hint = strings.TrimSuffix(hint, "Z")

	var lastErr error
	for _, layout := range hintLayouts {
		t, err := time.ParseInLocation(layout, hint, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// TimestampPrefix returns the first comma-separated column of a log row,
// which carries the row timestamp in device CSV and text logs.
func TimestampPrefix(line string) string {
	head, _, found := strings.Cut(line, ",")
	if !found {
		return ""
	}
	return strings.TrimSpace(head)
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
