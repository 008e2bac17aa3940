package main

import (
	"github.com/regorov/bgremover"
	"github.com/urfave/cli"
)

func serve(c *cli.Context) error {

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

	logger.Info().
		Str("listen", cfg.Server.Listen).
		Str("engine", cfg.Engine.Kind).
		Int("workers", cfg.Workers).
		Int("max-jobs", cfg.Server.MaxJobs).
		Msg("launching params")

	srv := bgremover.NewServer(logger, engine, cfg, BuildNumber)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error().Str("errmsg", err.Error()).Msg("server failed")
		return cli.NewExitError("", exitFatal)
	}
	logger.Info().Msg("server stopped")
	return nil
}
