// Package main is the courierd entry point: the API server, the worker
// pool, and the operator tooling share one binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/courierd/courierd/internal/config"
	"github.com/courierd/courierd/internal/telemetry"
)

// Exit codes: 0 ok, 1 transient failure (retry may succeed), 2 bad
// configuration, 3 fatal.
const (
	exitOK        = 0
	exitTransient = 1
	exitConfig    = 2
	exitFatal     = 3
)

// transientErr marks failures worth retrying (dependency down).
type transientErr struct{ err error }

func (e transientErr) Error() string { return e.err.Error() }
func (e transientErr) Unwrap() error { return e.err }

// configErr marks unusable configuration.
type configErr struct{ err error }

func (e configErr) Error() string { return e.err.Error() }
func (e configErr) Unwrap() error { return e.err }

func exitCode(err error) int {
	var t transientErr
	var c configErr
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &c):
		return exitConfig
	case errors.As(err, &t):
		return exitTransient
	}
	return exitFatal
}

var cfgPath string

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	root := &cobra.Command{
		Use:           "courierd",
		Short:         "Multi-channel notification delivery engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		flushMetricsCmd(),
		replayScheduledCmd(),
		initPreferencesCmd(),
		templateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// loadConfig wraps config failures with the config exit code.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, configErr{err}
	}
	return cfg, nil
}

// buildApp loads config, builds the logger, and wires the engine.
func buildApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := telemetry.NewLogger(&telemetry.LogConfig{
		Level:      telemetry.LogLevel(cfg.Log.Level),
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Rotation:   cfg.Log.Rotation,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	})
	if err != nil {
		return nil, configErr{err}
	}
	return newApp(cfg, log)
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
