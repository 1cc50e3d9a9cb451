package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/watchbridge/internal/bridge"
	"github.com/danmuck/watchbridge/internal/config"
	"github.com/danmuck/watchbridge/internal/observability"
	"github.com/danmuck/watchbridge/internal/phone"
)

func main() {
	configPath := flag.String("config", "", "phonectl TOML config (defaults apply when empty)")
	initPath := flag.String("init", "", "write a config template to this path and exit")
	flag.Parse()

	if *initPath != "" {
		if err := config.WriteTemplate(*initPath, "phone", false); err != nil {
			fmt.Fprintf(os.Stderr, "phonectl: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "phonectl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadRuntimeConfig(configPath)
	if err != nil {
		return err
	}
	logger := observability.InitLogger("phonectl")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := phone.NewService(cfg.Service, logger)
	api := bridge.New(svc, bridge.Options{
		Token:       cfg.HTTPToken,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      observability.Component(logger, "bridge"),
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- svc.Activate(ctx) }()
	httpErr := make(chan error, 1)
	go func() { httpErr <- api.Serve(ctx, cfg.HTTPAddr) }()

	select {
	case err := <-serveErr:
		stop()
		return errors.Join(err, <-httpErr)
	case err := <-httpErr:
		stop()
		return errors.Join(err, <-serveErr)
	}
}
