package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatwatch/internal/app"
	"chatwatch/internal/clock"
	"chatwatch/internal/config"
)

// main starts chatwatch using file or directory config source.
// Params: CLI flags (--config-file or --config-dir, optional --check).
// Returns: process exit code by startup/run result.
func main() {
	var (
		configFile = flag.String("config-file", "", "path to one TOML config file")
		configDir  = flag.String("config-dir", "", "path to directory with TOML config fragments")
		checkOnly  = flag.Bool("check", false, "validate configuration and exit")
	)
	flag.Parse()

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	if *checkOnly {
		cfg, err := app.LoadConfig(source)
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "config invalid:", err.Error())
			os.Exit(1)
		}
		_, _ = fmt.Fprintf(os.Stdout, "config ok: %d rules, state backend %s\n", len(cfg.Rule), cfg.State.Backend)
		return
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service init failed:", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := service.Run(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service run failed:", err.Error())
		os.Exit(1)
	}
}
