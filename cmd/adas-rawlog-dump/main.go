// Command adas-rawlog-dump prints the frames held in a raw recording, or
// resends them to a running listener.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/pflag"

	"adas-telemetry-go/internal/ingest"
	"adas-telemetry-go/internal/logparse"
	"adas-telemetry-go/internal/output"
	"adas-telemetry-go/internal/simulator"
	"adas-telemetry-go/internal/types"
)

type options struct {
	path   string
	limit  int
	raw    bool
	parse  bool
	sendTo string
	mode   string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "adas-rawlog-dump: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var opts options
	fs := pflag.NewFlagSet("adas-rawlog-dump", pflag.ContinueOnError)
	fs.StringVar(&opts.path, "path", "", "path to a .bin, .bin.zst or .bin.lz4 recording")
	fs.IntVarP(&opts.limit, "limit", "n", 1, "number of records to dump (0 for all)")
	fs.BoolVar(&opts.raw, "raw", false, "print the generic CBOR structure instead of the frame")
	fs.BoolVar(&opts.parse, "parse", false, "print the parsed telemetry of each frame")
	fs.StringVar(&opts.sendTo, "send", "", "resend frames to a listener at host:port instead of printing")
	fs.StringVar(&opts.mode, "mode", "image-path", "frame mode used with --send")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.path == "" && fs.NArg() > 0 {
		opts.path = fs.Arg(0)
	}
	if opts.path == "" {
		return errors.New("path is required")
	}

	r, err := output.OpenRawLog(opts.path)
	if err != nil {
		return err
	}
	defer r.Close()

	if opts.sendTo != "" {
		mode, err := ingest.ParseMode(opts.mode)
		if err != nil {
			return err
		}
		return resend(r, opts, mode)
	}
	return dump(r, opts, stdout)
}

func dump(r *output.RawLogReader, opts options, stdout io.Writer) error {
	parser := logparse.New()
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)

	for count := 0; opts.limit <= 0 || count < opts.limit; count++ {
		entry, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", count, err)
		}
		slog.Info("record", "index", count, "time", entry.Time.Format(time.RFC3339Nano), "size", entry.Size)

		if opts.raw {
			var decoded any
			if err := cbor.Unmarshal(entry.Payload, &decoded); err != nil {
				slog.Warn("cbor decode failed", "index", count, "error", err)
				continue
			}
			if err := enc.Encode(output.NormalizeJSONValue(decoded)); err != nil {
				return err
			}
			continue
		}

		frame, err := entry.Frame()
		if err != nil {
			slog.Warn("frame decode failed", "index", count, "error", err)
			continue
		}
		view := struct {
			Frame     types.FrameSummary     `json:"frame"`
			RawLog    string                 `json:"raw_log"`
			Telemetry *types.TelemetryRecord `json:"telemetry,omitempty"`
		}{Frame: types.Summarize(frame), RawLog: frame.RawLog}
		if opts.parse {
			view.Telemetry, err = parser.ParseFrame(frame)
			if err != nil {
				slog.Warn("parse failed", "index", count, "error", err)
			}
		}
		if err := enc.Encode(view); err != nil {
			return err
		}
	}
	return nil
}

// resend plays the recording back to a listener, one connection per frame.
func resend(r *output.RawLogReader, opts options, mode ingest.Mode) error {
	ctx := context.Background()
	sent := 0
	for opts.limit <= 0 || sent < opts.limit {
		entry, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		frame, err := entry.Frame()
		if err != nil {
			return fmt.Errorf("record %d: %w", sent, err)
		}
		if err := simulator.Send(ctx, opts.sendTo, mode, frame, 5*time.Second); err != nil {
			return fmt.Errorf("send record %d: %w", sent, err)
		}
		sent++
	}
	slog.Info("resend finished", "addr", opts.sendTo, "frames", sent)
	return nil
}
