package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gaspardpetit/toolgate/internal/bridge"
	"github.com/gaspardpetit/toolgate/internal/config"
	"github.com/gaspardpetit/toolgate/internal/logx"
	"github.com/gaspardpetit/toolgate/internal/metrics"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

// loadConfig resolves flags, environment and the config file. A missing
// config file is not an error.
func loadConfig(fs *flag.FlagSet, args []string) (cfg config.Config, showVersion bool, err error) {
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, false, err
	}
	if showVersion {
		return cfg, true, nil
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, false, fmt.Errorf("load config %s: %w", cfg.ConfigFile, err)
		}
	}
	return cfg, false, cfg.Validate()
}

func main() {
	cfg, showVersion, err := loadConfig(flag.CommandLine, os.Args[1:])
	if showVersion {
		fmt.Printf("toolgate version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := bridge.Run(ctx, cfg, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logx.Log.Fatal().Err(err).Msg("bridge stopped")
	}
}
