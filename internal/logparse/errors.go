package logparse

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrNoFrame is returned when frame_ID does not hold exactly one numeric key.
var ErrNoFrame = errors.New("frame_ID must hold exactly one frame")

// MalformedLogError reports a line whose JSON could not be unescaped or
// decoded. Callers skip the line and continue.
type MalformedLogError struct {
	Text string
	Err  error
}

func (e *MalformedLogError) Error() string {
	return fmt.Sprintf("malformed log %q: %v", clip(e.Text, 160), e.Err)
}

func (e *MalformedLogError) Unwrap() error {
	return e.Err
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
