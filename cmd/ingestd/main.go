package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/rest"

	"tickstore/internal/cli"
	"tickstore/internal/config"
	"tickstore/internal/handler"
	"tickstore/internal/ingest"
	"tickstore/internal/svc"
)

var configFile = flag.String("f", "etc/tickstore.yaml", "the config file")

func main() {
	flag.Parse()

	cfg := config.MustLoad(*configFile)
	logx.MustSetup(cfg.Log)
	defer logx.Close()
	cli.LogConfigSummary(cfg)

	if err := run(cfg); err != nil {
		logx.Errorf("ingestd: %v", err)
		logx.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svcCtx, err := svc.NewServiceContext(*cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svcCtx.Close(); err != nil {
			logx.Errorf("ingestd: close storage: %v", err)
		}
	}()

	startCtx, cancel := context.WithTimeout(ctx, time.Minute)
	err = svcCtx.Start(startCtx)
	cancel()
	if err != nil {
		return err
	}

	if cfg.AdminEnabled() {
		server := rest.MustNewServer(cfg.Admin)
		handler.RegisterHandlers(server, svcCtx)
		go server.Start()
		defer server.Stop()
		logx.Infof("ingestd: admin server at %s:%d", cfg.Admin.Host, cfg.Admin.Port)
	}

	consumer, err := ingest.New(cfg.Ingest, svcCtx.Market)
	if err != nil {
		return err
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			logx.Errorf("ingestd: close consumer: %v", err)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logx.Info("ingestd: shutting down")
	}
	select {
	case err := <-done:
		return err
	case <-time.After(cfg.Ingest.ShutdownTimeout + time.Second):
		logx.Errorf("ingestd: consumer did not stop within %s", cfg.Ingest.ShutdownTimeout)
		return nil
	}
}
