package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/regorov/bgremover"
	"github.com/rs/zerolog"
	"github.com/urfave/cli"
)

type sourceFunc func(l zerolog.Logger, cfg bgremover.Config) bgremover.Source

func runDir(c *cli.Context) error {
	dir := c.String("input")
	if dir == "" {
		return cli.NewExitError("input directory is required", exitFatal)
	}
	return runBatch(c, dir, func(l zerolog.Logger, cfg bgremover.Config) bgremover.Source {
		return bgremover.NewDirSource(l, dir, cfg.Extensions)
	})
}

func runURLs(c *cli.Context) error {
	fname := c.String("input")
	return runBatch(c, fname, func(l zerolog.Logger, cfg bgremover.Config) bgremover.Source {
		src := bgremover.NewURLListSource(l, fname, cfg.Extensions)
		src.SetMaxConnsPerHost(cfg.Workers)
		return src
	})
}

func runBatch(c *cli.Context, input string, mk sourceFunc) error {

	ctx, cancel, logger, cfg, err := setup(c)
	if err != nil {
		return cli.NewExitError("", exitFatal)
	}
	defer cancel()

	engine, err := bgremover.NewEngine(logger, cfg.Engine)
	if err != nil {
		logger.Error().Str("errmsg", err.Error()).Msg("engine creation failed")
		return cli.NewExitError("", exitFatal)
	}

	b := &batch{
		log:    logger,
		cfg:    cfg,
		engine: engine,
		input:  input,
		output: c.String("output"),
		zip:    c.String("zip"),
		out:    os.Stdout,
	}
	if !c.Bool("no-progress") && isatty.IsTerminal(os.Stdout.Fd()) {
		b.reporter = newBarReporter(os.Stdout)
	}

	if code := b.run(ctx, mk(logger, cfg)); code != 0 {
		return cli.NewExitError("", code)
	}
	return nil
}

// batch is a single run/fetch invocation with flags and configuration
// already resolved.
type batch struct {
	log    zerolog.Logger
	cfg    bgremover.Config
	engine bgremover.Engine
	input  string
	// output is the destination directory, unused when zip is set.
	output string
	zip    string
	// reporter defaults to bgremover.LogReporter.
	reporter bgremover.Reporter
	out      io.Writer
}

// run processes src, prints the summary and returns the process exit code.
func (b *batch) run(ctx context.Context, src bgremover.Source) int {

	// 1. output.
	var (
		sink bgremover.Sink
		dest string
	)
	if b.zip != "" {
		fa, err := bgremover.NewFileArchive(b.zip)
		if err != nil {
			b.log.Error().Str("errmsg", err.Error()).Msg("archive creation failed")
			return exitFatal
		}
		sink, dest = fa, b.zip
	} else {
		ds := bgremover.NewDirSink(b.output)
		if err := ds.Open(); err != nil {
			b.log.Error().Str("errmsg", err.Error()).Msg("output directory creation failed")
			return exitFatal
		}
		sink, dest = ds, ds.Dir()
	}

	b.log.Info().
		Str("input", b.input).
		Str("output", dest).
		Str("engine", b.cfg.Engine.Kind).
		Int("workers", b.cfg.Workers).
		Int("retries", b.cfg.Retries).
		Msg("launching params")

	// 2. progress.
	reporter := b.reporter
	if reporter == nil {
		reporter = bgremover.NewLogReporter(b.log)
	}
	async := bgremover.NewAsyncReporter(reporter)

	// a suffix may map two inputs to one output name, source order decides
	// which one is kept.
	p := bgremover.NewProcessor(b.log, b.engine, bgremover.Options{
		Concurrency: b.cfg.Workers,
		Namer:       b.cfg.Namer(),
		Ordered:     b.zip != "" || b.cfg.Suffix != "",
		Reporter:    async,
		MaxPixels:   b.cfg.MaxPixels,
	})

	// 3. processing with retries of failed items.
	sum, err := processWithRetries(ctx, b.log, p, src, sink, b.cfg.Retries)
	async.Close()

	if err != nil {
		b.log.Error().Str("errmsg", err.Error()).Msg("batch aborted")
		if sum != nil {
			printSummary(b.out, sum, dest)
		}
		return exitFatal
	}

	if sum.Empty() {
		fmt.Fprintf(b.out, "No image files found in %s\n", b.input)
		return 0
	}

	printSummary(b.out, sum, dest)
	if !sum.OK() {
		return exitFailures
	}
	return 0
}

// keepOpen hides Close and Abort from Processor, so one output collects
// every attempt. processWithRetries finalizes the real sink.
type keepOpen struct {
	bgremover.Sink
}

func (keepOpen) Close() error { return nil }

func (keepOpen) Abort() error { return nil }

func processWithRetries(ctx context.Context, l zerolog.Logger, p *bgremover.Processor,
	src bgremover.Source, sink bgremover.Sink, retries int) (*bgremover.Summary, error) {

	var total *bgremover.Summary
	current := src
	for attempt := 0; ; attempt++ {
		sum, err := p.Process(ctx, current, keepOpen{sink})
		switch {
		case total == nil:
			total = sum
		case sum == nil:
		case sum.Empty():
			// failed items are gone from the source, their failures stand.
			l.Warn().Int("attempt", attempt).Int("items", total.Failed).Msg("failed images disappeared, retry skipped")
		default:
			total.Succeeded += sum.Succeeded
			total.Failed = sum.Failed
			total.Skipped = sum.Skipped
			total.Failures = sum.Failures
			total.Bytes += sum.Bytes
			total.Duration += sum.Duration
		}
		if err != nil {
			_ = sink.Abort()
			return total, err
		}
		if total.Empty() {
			_ = sink.Abort()
			return total, nil
		}
		if sum.Empty() || sum.Failed == 0 || attempt >= retries {
			break
		}

		names := bgremover.FailedNames(sum.Failures)
		l.Info().Int("attempt", attempt+1).Int("items", len(names)).Msg("retrying failed images")
		current = bgremover.Only(src, names...)
	}

	if err := sink.Close(); err != nil {
		return total, fmt.Errorf("output finalization: %w", err)
	}
	return total, nil
}

func printSummary(w io.Writer, sum *bgremover.Summary, dest string) {
	fmt.Fprintf(w, "Processed %d images in %s: %d succeeded, %d failed",
		sum.Total, sum.Duration.Round(time.Millisecond), sum.Succeeded, sum.Failed)
	if sum.Skipped > 0 {
		fmt.Fprintf(w, ", %d skipped", sum.Skipped)
	}
	fmt.Fprintf(w, ". %s written to %s\n", humanize.Bytes(uint64(sum.Bytes)), dest)

	if len(sum.Failures) > 0 {
		fmt.Fprintln(w, renderFailures(sum.Failures))
	}
}
