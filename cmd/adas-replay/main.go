// Command adas-replay parses recorded device logs offline: it prints
// session statistics, optionally exports CSV, compares two runs, or follows
// a log that is still being written.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"adas-telemetry-go/internal/config"
	"adas-telemetry-go/internal/logparse"
	"adas-telemetry-go/internal/output"
	"adas-telemetry-go/internal/processing"
	"adas-telemetry-go/internal/replay"
	"adas-telemetry-go/internal/types"
)

type options struct {
	follow    bool
	fromStart bool
	records   bool
	csvDir    string
	compare   string
	tolerance float64
	tz        string
	tag       string
	logLevel  string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "adas-replay: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (options, []string, error) {
	defaults := config.Defaults()
	opts := options{}
	fs := pflag.NewFlagSet("adas-replay", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: adas-replay [flags] LOG")
		fs.PrintDefaults()
	}
	fs.BoolVarP(&opts.follow, "follow", "f", false, "keep reading as the log grows")
	fs.BoolVar(&opts.fromStart, "from-start", true, "with --follow, replay existing content first")
	fs.BoolVar(&opts.records, "records", false, "print every parsed record as a JSON line")
	fs.StringVar(&opts.csvDir, "csv", "", "export parsed records as CSV into this directory")
	fs.StringVar(&opts.compare, "compare", "", "second log to compare tailing distances against")
	fs.Float64Var(&opts.tolerance, "tolerance", 0.5, "distance tolerance in metres for --compare")
	fs.StringVar(&opts.tz, "tz", defaults.Parser.Location, "time zone of device timestamps")
	fs.StringVar(&opts.tag, "tag", defaults.Parser.Tag, "log tag that marks telemetry lines")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return opts, nil, errors.New("exactly one log file is required")
	}
	if opts.follow && opts.compare != "" {
		return opts, nil, errors.New("--follow and --compare cannot be combined")
	}
	return opts, fs.Args(), nil
}

func run(args []string, stdout io.Writer) error {
	opts, files, err := parseArgs(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logCfg := config.LogConfig{Level: opts.logLevel, Format: "text"}
	logger, err := logCfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	loc, err := config.ParserConfig{Location: opts.tz}.TimeLocation()
	if err != nil {
		return err
	}
	parser := logparse.New(logparse.WithLogger(logger), logparse.WithLocation(loc), logparse.WithTag(opts.tag))
	r := replay.New(parser, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agg := processing.NewAggregator()
	var records []*types.TelemetryRecord
	enc := json.NewEncoder(stdout)
	handler := func(rec *types.TelemetryRecord) error {
		agg.AddRecord(rec)
		if opts.csvDir != "" || opts.compare != "" {
			records = append(records, rec)
		}
		if opts.records {
			return enc.Encode(rec)
		}
		return nil
	}

	var summary replay.Summary
	if opts.follow {
		summary, err = r.Follow(ctx, files[0], opts.fromStart, handler)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	} else {
		summary, err = r.ReplayFile(ctx, files[0], handler)
	}
	if err != nil {
		return err
	}

	report := map[string]any{
		"file":    files[0],
		"summary": summary,
		"stats":   agg.Snapshot(),
	}

	if opts.compare != "" {
		var other []*types.TelemetryRecord
		if _, err := r.ReplayFile(ctx, opts.compare, func(rec *types.TelemetryRecord) error {
			other = append(other, rec)
			return nil
		}); err != nil {
			return fmt.Errorf("compare: %w", err)
		}
		report["compare"] = map[string]any{
			"file":      opts.compare,
			"tolerance": opts.tolerance,
			"result":    processing.MatchRate(records, other, opts.tolerance),
		}
	}

	if opts.csvDir != "" {
		path, err := output.WriteTelemetryCSV(opts.csvDir, processing.Timestamp(), records)
		if err != nil {
			return fmt.Errorf("export csv: %w", err)
		}
		report["csv"] = path
	}

	pretty := json.NewEncoder(stdout)
	pretty.SetIndent("", "  ")
	return pretty.Encode(report)
}
