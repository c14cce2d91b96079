// ====================================
// File: cmd/hunter/main.go
// ====================================
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/alpha-hunter/internal/bot"
	"github.com/rovshanmuradov/alpha-hunter/internal/config"
	"github.com/rovshanmuradov/alpha-hunter/internal/logger"
)

const (
	exitOK = iota
	exitRuntime
	exitConfig
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	path, _ := flags.GetString("config")
	cfg, err := config.Load(path, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}

	logCfg := logger.DefaultConfig()
	logCfg.LogFile = cfg.LogFile
	logCfg.Debug = cfg.DebugLogging
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return exitConfig
	}

	token, _ := flags.GetString("token")
	symbol, _ := flags.GetString("symbol")
	monitorOnly, _ := flags.GetBool("monitor-only")
	closeIDs, _ := flags.GetStringSlice("close")

	runner, err := bot.NewRunner(cfg, bot.Options{
		Token:       token,
		Symbol:      symbol,
		MonitorOnly: monitorOnly,
		Close:       closeIDs,
	}, log)
	if err != nil {
		log.Error("Invalid options", zap.Error(err))
		_ = logger.Sync(log)
		return exitConfig
	}

	if err := runner.Run(context.Background()); err != nil {
		log.Error("💥 Hunter stopped with error", zap.Error(err))
		_ = logger.Sync(log)
		return exitRuntime
	}
	return exitOK
}
