// Package main is the entry point of the Ganeti job queue watcher. It runs on
// the cluster master node and publishes one notification per job operation.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/bus"
	"gnt-shepherd.io/shepherd/internal/config"
	"gnt-shepherd.io/shepherd/internal/eventd"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
)

type options struct {
	debug  bool
	replay bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "gnt-eventd",
		Short:         "Publish Ganeti job status notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "log at debug level to the console")
	cmd.Flags().BoolVar(&opts.replay, "replay", false, "publish every job file already in the queue and exit")
	return cmd
}

func run(parent context.Context, opts *options) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, format := cfg.Log.Level, cfg.Log.Format
	if opts.debug {
		level, format = "debug", "console"
	}
	log, _, err := logger.New(level, format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	pub, err := bus.NewPublisher(cfg.Bus.URL, cfg.Bus.ClientName+"-eventd", log.With(zap.String("component", "bus")))
	if err != nil {
		return err
	}
	defer pub.Close() // closes without draining; buffered events are dropped

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	d := eventd.New(eventd.Config{
		QueueDir:  cfg.Eventd.QueueDir,
		JobPrefix: cfg.Eventd.JobPrefix,
		Subject:   cfg.Bus.Subject(),
	}, pub, log, eventd.NewMetrics(reg))

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.replay {
		return d.Replay(ctx)
	}

	srv := metricsServer(cfg.Eventd.MetricsAddr, reg)
	if srv != nil {
		go func() { //nolint:naked-goroutine // metrics listener lives for the whole process
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("starting gnt-eventd",
		zap.String("queue_dir", cfg.Eventd.QueueDir),
		zap.String("subject", cfg.Bus.Subject()),
		zap.String("metrics_addr", cfg.Eventd.MetricsAddr),
	)
	return d.Run(ctx)
}

// metricsServer returns nil when addr is empty.
func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
