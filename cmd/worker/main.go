package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nemanja-m/jobwire/internal/shared/config"
	"github.com/nemanja-m/jobwire/internal/shared/logging"
	"github.com/nemanja-m/jobwire/internal/worker"

	_ "github.com/nemanja-m/jobwire/examples/grep"
	_ "github.com/nemanja-m/jobwire/examples/sleepsort"
	_ "github.com/nemanja-m/jobwire/examples/wordcount"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] mapper|kvmapper|reducer|finalizer|run [modulo]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := worker.Run(ctx, flag.Arg(0), flag.Args()[1:], os.Stdin, os.Stdout, os.Stderr, cfg, logger)
	cancel()
	os.Exit(code)
}
