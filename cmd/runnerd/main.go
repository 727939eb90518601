package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/runnerd/internal/config"
	"git.home.luguber.info/inful/runnerd/internal/daemon"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/version"
)

var CLI struct {
	LogLevel  string `help:"Log level" enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format" enum:"text,json" default:"text"`

	Daemon struct {
		Config string `short:"c" help:"Configuration file path" default:"runnerd.yaml"`
	} `cmd:"" help:"Run the runner orchestrator"`

	Validate struct {
		Config string `short:"c" help:"Configuration file path" default:"runnerd.yaml"`
	} `cmd:"" help:"Load a configuration file and report problems"`

	Init struct {
		Config string `short:"c" help:"Configuration file path" default:"runnerd.yaml"`
		Force  bool   `help:"Overwrite an existing configuration file"`
	} `cmd:"" help:"Write an example configuration file"`

	Version struct{} `cmd:"" help:"Print version information"`
}

func main() {
	ctx := kong.Parse(&CLI)

	slog.SetDefault(newLogger(CLI.LogLevel, CLI.LogFormat))
	errs := rerrors.NewCLIErrorAdapter(CLI.LogLevel == "debug", slog.Default())

	switch ctx.Command() {
	case "daemon":
		cfg, err := config.Load(CLI.Daemon.Config)
		if err != nil {
			errs.HandleError(err)
		}
		// The config file owns daemon logging; RUNNERD_LOG_* overrides it.
		slog.SetDefault(newLogger(string(cfg.Log.Level), string(cfg.Log.Format)))
		errs.HandleError(runDaemon(cfg))
	case "validate":
		errs.HandleError(runValidate(CLI.Validate.Config))
	case "init":
		errs.HandleError(config.Init(CLI.Init.Config, CLI.Init.Force))
		slog.Info("Configuration file written", "path", CLI.Init.Config)
	case "version":
		fmt.Printf("runnerd %s (commit %s, built %s)\n",
			version.Version, version.GitCommit, version.BuildTime)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func runDaemon(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	system, err := daemon.New(cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- system.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("daemon error: %w", err)
		}
		slog.Info("Daemon running, waiting for shutdown signal")
		<-ctx.Done()
		slog.Info("Shutdown signal received, stopping daemon")
	case <-ctx.Done():
		slog.Info("Shutdown signal received, stopping daemon")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := system.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}

	slog.Info("Daemon stopped successfully")
	return nil
}

// runValidate loads the file through the full pipeline (env expansion,
// overrides, normalization, validation) and prints the redacted result so
// operators can see what the daemon would actually run with.
func runValidate(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	fmt.Print(string(out))

	slog.Info("Configuration valid",
		"path", path,
		"snapshot", cfg.Snapshot())
	return nil
}
