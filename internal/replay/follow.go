package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"adas-telemetry-go/internal/logparse"
)

// Follow parses lines appended to path until ctx ends, like tail -F. Lines
// already in the file are skipped unless fromStart is set. A rotated or
// recreated file is reopened from its beginning.
func (r *Replayer) Follow(ctx context.Context, path string, fromStart bool, fn Handler) (Summary, error) {
	var sum Summary

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return sum, err
	}
	defer watcher.Close()
	// Watch the directory so rotation (remove + create) is seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return sum, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	t := &tailer{path: path}
	if err := t.open(!fromStart); err != nil && !errors.Is(err, os.ErrNotExist) {
		return sum, err
	}
	defer t.close()

	poll := r.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	drain := func() error {
		for {
			line, ok, err := t.next()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			sum.Lines++
			if err := r.handle(line, logparse.ModeStream, &sum, fn); err != nil {
				return err
			}
		}
	}
	if err := drain(); err != nil {
		return sum, err
	}

	for {
		select {
		case <-ctx.Done():
			return sum, ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return sum, nil
			}
			r.warnf("file watch error", "path", path, "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return sum, nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				r.logger.Info("log file recreated, reopening", "path", path)
				t.close()
				if err := t.open(false); err != nil {
					r.warnf("reopen failed", "path", path, "error", err)
					continue
				}
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				// Keep reading what is left of the old file until a new one
				// appears.
			}
			if err := drain(); err != nil {
				return sum, err
			}
		case <-ticker.C:
			if t.f == nil {
				if err := t.open(false); err != nil {
					continue
				}
			}
			if err := drain(); err != nil {
				return sum, err
			}
		}
	}
}

// tailer reads complete lines from a growing file, holding back a partial
// last line until its newline arrives.
type tailer struct {
	path    string
	f       *os.File
	r       *bufio.Reader
	partial []byte
}

func (t *tailer) open(seekEnd bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	if seekEnd {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return err
		}
	}
	t.f = f
	t.r = bufio.NewReader(f)
	t.partial = t.partial[:0]
	return nil
}

func (t *tailer) close() {
	if t.f != nil {
		_ = t.f.Close()
		t.f = nil
		t.r = nil
	}
}

// next returns the next complete line, or ok=false when none is available
// yet.
func (t *tailer) next() (string, bool, error) {
	if t.r == nil {
		return "", false, nil
	}
	chunk, err := t.r.ReadBytes('\n')
	t.partial = append(t.partial, chunk...)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		return "", false, err
	}
	line := string(t.partial[:len(t.partial)-1])
	t.partial = t.partial[:0]
	return line, true, nil
}
