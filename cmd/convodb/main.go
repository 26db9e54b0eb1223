package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"convodb/internal/app"
	"convodb/pkg/config"
	"convodb/pkg/logger"
	"convodb/pkg/state"
	"convodb/pkg/state/shutdown"
)

// set by -ldflags at build time
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")

	flags, err := config.ParseConfigFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		shutdown.Abort("failed to load config file", err, flags.DB)
	}
	envCfg, _ := config.ParseConfigEnvs()

	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg)
	if err != nil {
		shutdown.Abort("failed to build effective config", err, flags.DB)
	}
	if err := config.ValidateConfig(eff); err != nil {
		shutdown.Abort("invalid configuration", err, eff.DBPath)
	}

	paths, err := state.Init(eff.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "state_dirs_setup_failed: %v\n", err)
		shutdown.Abort(fmt.Sprintf("failed to ensure state directories under %s", eff.DBPath), err, eff.DBPath)
	}

	logOpts := logger.Options{
		Level:      eff.Config.Logging.Level,
		MaxSizeMB:  int(eff.Config.Logging.MaxSize.Int64() >> 20),
		MaxBackups: eff.Config.Logging.MaxBackups,
	}
	if eff.Config.Logging.File {
		logOpts.Dir = paths.Logs
	}
	logger.Init(logOpts)
	defer logger.Sync()
	if err := logger.AttachAuditFileSink(paths.Audit, logOpts); err != nil {
		logger.Warn("audit_sink_unavailable", "error", err)
	}
	logger.Info("effective_config_loaded", "source", eff.Source, "addr", eff.Addr, "db_path", eff.DBPath)

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	a, err := app.New(ctx, eff, paths, app.BuildInfo{Version: version, Commit: commit, BuildDate: buildDate})
	if err != nil {
		shutdown.Abort("failed to initialize app", err, eff.DBPath)
	}

	runErr := a.Run(ctx)

	// bounded so teardown cannot hang forever
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", "error", err)
	}
	if runErr != nil {
		shutdown.Abort("app run failed", runErr, eff.DBPath)
	}
}
