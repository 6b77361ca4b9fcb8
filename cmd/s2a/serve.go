package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/example/go-s2a/internal/metrics"
	"github.com/example/go-s2a/internal/s2a"
	"github.com/example/go-s2a/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve acoustic token generation over HTTP",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			m, err := s2a.Load(cfg.Paths.ModelPath)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())

			mtr, err := metrics.NewTraining(reg)
			if err != nil {
				return err
			}

			gen := server.NewModelGenerator(m, generateOptions(cfg.Generate), cfg.Generate.Seed)

			srv := server.New(cfg.Server, gen, gen,
				server.WithLogger(slog.Default()),
				server.WithMetrics(reg, mtr),
			)

			slog.Info("serving", "addr", cfg.Server.ListenAddr, "model", cfg.Paths.ModelPath, "speakers", len(m.Speakers))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Start(ctx)
		},
	}
}
