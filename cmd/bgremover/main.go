// Command bgremover removes image backgrounds in batches, from the command line or over HTTP.
package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/regorov/bgremover"
	"github.com/rs/zerolog"
	"github.com/urfave/cli"
)

// EnvVarPrefix holds environment variables prefix related to application.
const (
	EnvVarPrefix = "BGREMOVER_"
)

// BuildNumber is set at build time with -ldflags "-X main.BuildNumber=...".
var BuildNumber = "dev"

// Exit codes, success is 0.
const (
	exitFatal    = 1
	exitFailures = 2
)

func main() {

	app := cli.NewApp()
	app.Name = "bgremover"
	app.Usage = "batch image background remover"
	app.Version = BuildNumber
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:   "debug, d",
			Usage:  "debug mode activation",
			EnvVar: EnvVarPrefix + "DEBUG",
		},
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "TOML configuration file",
			EnvVar: EnvVarPrefix + "CONFIG",
		},
		cli.StringFlag{
			Name:   "pl",
			Usage:  "pprof HTTP listener",
			EnvVar: EnvVarPrefix + "PPROF_LISTENER",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "run",
			Aliases: []string{"r"},
			Usage:   "remove background of every image in a directory",
			Action:  runDir,
			Flags: append(batchFlags(),
				cli.StringFlag{
					Name:   "input, i",
					Usage:  "input directory",
					EnvVar: EnvVarPrefix + "INPUT",
				},
			),
		},
		{
			Name:    "fetch",
			Aliases: []string{"f"},
			Usage:   "remove background of images listed by url in a text file",
			Action:  runURLs,
			Flags: append(batchFlags(),
				cli.StringFlag{
					Name:   "input, i",
					Value:  "input.txt",
					Usage:  "input file name, one url per line",
					EnvVar: EnvVarPrefix + "INPUT",
				},
			),
		},
		{
			Name:    "serve",
			Aliases: []string{"s"},
			Usage:   "start HTTP service",
			Action:  serve,
			Flags: append(engineFlags(),
				cli.IntFlag{
					Name:   "workers, w",
					Value:  runtime.NumCPU(),
					Usage:  "amount of parallel image processing goroutines per batch request",
					EnvVar: EnvVarPrefix + "WORKERS",
				},
				cli.StringFlag{
					Name:   "listen, l",
					Value:  ":8000",
					Usage:  "HTTP listener",
					EnvVar: EnvVarPrefix + "LISTEN",
				},
				cli.IntFlag{
					Name:   "max-jobs",
					Value:  2,
					Usage:  "amount of requests processed at once",
					EnvVar: EnvVarPrefix + "MAX_JOBS",
				},
				cli.IntFlag{
					Name:   "max-body",
					Value:  64 * 1024 * 1024,
					Usage:  "maximum request body size in bytes",
					EnvVar: EnvVarPrefix + "MAX_BODY",
				},
			),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if ee, ok := err.(*cli.ExitError); ok {
			os.Exit(ee.ExitCode())
		}
		os.Exit(exitFatal)
	}
}

func batchFlags() []cli.Flag {
	return append(engineFlags(),
		cli.StringFlag{
			Name:   "output, o",
			Value:  "output",
			Usage:  "output directory",
			EnvVar: EnvVarPrefix + "OUTPUT",
		},
		cli.StringFlag{
			Name:   "zip, z",
			Usage:  "write a single zip archive instead of the output directory",
			EnvVar: EnvVarPrefix + "ZIP",
		},
		cli.IntFlag{
			Name:   "workers, w",
			Value:  runtime.NumCPU(),
			Usage:  "amount of parallel image processing goroutines",
			EnvVar: EnvVarPrefix + "WORKERS",
		},
		cli.StringSliceFlag{
			Name:   "ext",
			Usage:  "accepted input extension, can be repeated (default .png, .jpg, .jpeg)",
			EnvVar: EnvVarPrefix + "EXT",
		},
		cli.StringFlag{
			Name:   "suffix",
			Usage:  "suffix inserted before the extension of output names, forces PNG output",
			EnvVar: EnvVarPrefix + "SUFFIX",
		},
		cli.IntFlag{
			Name:   "retries",
			Usage:  "amount of times failed images are resubmitted",
			EnvVar: EnvVarPrefix + "RETRIES",
		},
		cli.BoolFlag{
			Name:   "no-progress",
			Usage:  "disable progress bar",
			EnvVar: EnvVarPrefix + "NO_PROGRESS",
		},
	)
}

func engineFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:   "engine, e",
			Value:  bgremover.EngineKey,
			Usage:  "background removal engine: key, exec or remote",
			EnvVar: EnvVarPrefix + "ENGINE",
		},
		cli.StringFlag{
			Name:   "engine-cmd",
			Usage:  "command of exec engine, e.g. \"rembg i - -\"",
			EnvVar: EnvVarPrefix + "ENGINE_CMD",
		},
		cli.StringFlag{
			Name:   "engine-url",
			Usage:  "url of remote engine",
			EnvVar: EnvVarPrefix + "ENGINE_URL",
		},
		cli.IntFlag{
			Name:   "tolerance",
			Value:  bgremover.DefaultTolerance,
			Usage:  "color tolerance of key engine",
			EnvVar: EnvVarPrefix + "TOLERANCE",
		},
		cli.IntFlag{
			Name:   "max-pixels",
			Value:  bgremover.DefaultMaxPixels,
			Usage:  "largest width*height accepted for decoding",
			EnvVar: EnvVarPrefix + "MAX_PIXELS",
		},
	}
}

// setup prepares logger, configuration and SIGINT/SIGTERM capture shared by commands.
func setup(c *cli.Context) (context.Context, context.CancelFunc, zerolog.Logger, bgremover.Config, error) {

	debug := c.GlobalBool("debug")

	// 1. logger format preparation.
	zerolog.TimeFieldFormat = "20060102T150405.999Z07:00"
	zerolog.TimestampFieldName = "t"
	zerolog.MessageFieldName = "msg"
	zerolog.LevelFieldName = "lvl"

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	logger.Info().Str("version", BuildNumber).Str("command", c.Command.Name).Msg("application started")

	// 2. configuration: file, then flags set explicitly.
	cfg, err := bgremover.LoadConfig(c.GlobalString("config"))
	if err != nil {
		logger.Error().Str("errmsg", err.Error()).Msg("configuration loading failed")
		return nil, nil, logger, cfg, err
	}
	applyFlags(c, &cfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		logger.Error().Str("errmsg", err.Error()).Msg("invalid configuration")
		return nil, nil, logger, cfg, err
	}

	// 3. runtime profiling activation.
	if c.GlobalIsSet("pl") {
		go func(listen string) {
			logger.Info().Str("pl", listen).Msg("start pprof http listener")
			if err := http.ListenAndServe(listen, nil); err != nil {
				logger.Error().Str("errmsg", err.Error()).Msg("pprof listener starting failed")
			}
		}(c.GlobalString("pl"))
	}

	// 4. SIGINT/SIGTERM capture.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		logger.Info().Msg("signal captured")
	}()

	return ctx, cancel, logger, cfg, nil
}

func applyFlags(c *cli.Context, cfg *bgremover.Config) {
	if c.IsSet("workers") || cfg.Workers < 1 {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("ext") {
		cfg.Extensions = c.StringSlice("ext")
	}
	if c.IsSet("suffix") {
		cfg.Suffix = c.String("suffix")
	}
	if c.IsSet("retries") {
		cfg.Retries = c.Int("retries")
	}
	if c.IsSet("engine") {
		cfg.Engine.Kind = c.String("engine")
	}
	if c.IsSet("engine-cmd") {
		cfg.Engine.Command = c.String("engine-cmd")
	}
	if c.IsSet("engine-url") {
		cfg.Engine.URL = c.String("engine-url")
	}
	if c.IsSet("tolerance") {
		cfg.Engine.Tolerance = c.Int("tolerance")
	}
	if c.IsSet("max-pixels") {
		cfg.MaxPixels = c.Int("max-pixels")
	}
	if c.IsSet("listen") {
		cfg.Server.Listen = c.String("listen")
	}
	if c.IsSet("max-jobs") {
		cfg.Server.MaxJobs = c.Int("max-jobs")
	}
	if c.IsSet("max-body") {
		cfg.Server.MaxBodySize = c.Int("max-body")
	}
}
