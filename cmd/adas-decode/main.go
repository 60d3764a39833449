// Command adas-decode inspects captured wire frames, one frame per file,
// such as those saved with `nc -l 5000 > frame.raw`.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/pflag"

	"adas-telemetry-go/internal/ingest"
	"adas-telemetry-go/internal/logparse"
	"adas-telemetry-go/internal/types"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "adas-decode: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("adas-decode", pflag.ContinueOnError)
	path := fs.String("path", "", "capture file or directory of .raw captures")
	modeName := fs.String("mode", "image-path", "frame mode: log, image, image-path")
	limit := fs.Int("limit", 5, "max number of frames to describe")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *path == "" {
		return errors.New("missing --path")
	}
	mode, err := ingest.ParseMode(*modeName)
	if err != nil {
		return err
	}

	files, err := listFiles(*path)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}

	dec := ingest.NewDecoder(mode)
	parser := logparse.New()
	var decoded, failed, parsed int
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(stdout, "read %s: %v\n", file, err)
			failed++
			continue
		}
		frame, err := dec.Decode(bytes.NewReader(data))
		if err != nil {
			fmt.Fprintf(stdout, "decode %s: %v\n", file, err)
			failed++
			continue
		}
		decoded++

		rec, perr := parser.ParseFrame(frame)
		if perr == nil && rec != nil {
			parsed++
		}
		if decoded <= *limit {
			describe(stdout, file, frame, rec, perr)
		}
	}

	fmt.Fprintf(stdout, "summary: files=%d decoded=%d failed=%d parsed=%d\n", len(files), decoded, failed, parsed)
	return nil
}

func describe(w io.Writer, file string, frame types.FrameRecord, rec *types.TelemetryRecord, perr error) {
	fmt.Fprintf(w, "frame: %s\n", file)
	if frame.FrameIndex != nil {
		fmt.Fprintf(w, "  frame_index: %d\n", *frame.FrameIndex)
	}
	if frame.HasImage() {
		fmt.Fprintf(w, "  image: %d bytes\n", len(frame.Image))
	}
	if frame.ImagePath != nil {
		fmt.Fprintf(w, "  image_path: %s\n", *frame.ImagePath)
	}
	fmt.Fprintf(w, "  log: %d bytes\n", len(frame.RawLog))
	switch {
	case perr != nil:
		fmt.Fprintf(w, "  telemetry: %v\n", perr)
	case rec == nil:
		fmt.Fprintln(w, "  telemetry: none")
	default:
		fmt.Fprintf(w, "  telemetry: frame_id=%d vehicles=%d pedestrians=%d fcw=%t ldw=%t\n",
			rec.FrameID,
			len(rec.Detections.Vehicle),
			len(rec.Detections.Pedestrian),
			rec.ADAS.ForwardCollision(),
			rec.ADAS.LaneDeparture(),
		)
	}
}

func listFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) == ".raw" {
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
