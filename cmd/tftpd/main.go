// Command tftpd runs the TFTP server core behind a thin CLI: flag parsing,
// signal handling, and a Prometheus scrape endpoint. None of this package
// touches the protocol; it only assembles a tftpd.Config and runs a
// tftpd.Listener (the out-of-scope "CLI layer" named in SPEC_FULL.md §1/§6).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rdleon/tftpd"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := tftpd.DefaultConfig()
	var retrySeconds float64
	var metricsAddr string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "tftpd",
		Short: "A lock-step TFTP (RFC 1350) server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.StandardLogger()
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
			cfg.Logger = log
			cfg.RetryInterval = time.Duration(retrySeconds * float64(time.Second))

			return run(cmd.Context(), cfg, metricsAddr, log)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "IPv4 address to bind")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "UDP port to bind")
	flags.StringVar(&cfg.BaseDir, "dir", "", "base directory serving RRQ reads and WRQ publishes (required)")
	flags.StringVar(&cfg.TempDir, "temp-dir", "", "staging directory for in-flight WRQ transfers (required)")
	flags.Float64Var(&retrySeconds, "retry-interval", cfg.RetryInterval.Seconds(), "seconds between retransmissions")
	flags.IntVar(&cfg.MaxTrials, "max-trials", cfg.MaxTrials, "send attempts per packet, including the original")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	flags.BoolVar(&verbose, "verbose", false, "enable debug logging")
	cmd.MarkFlagRequired("dir")
	cmd.MarkFlagRequired("temp-dir")

	return cmd
}

func run(ctx context.Context, cfg tftpd.Config, metricsAddr string, log *logrus.Logger) error {
	listener, err := tftpd.NewListener(cfg)
	if err != nil {
		return fmt.Errorf("constructing listener: %w", err)
	}
	if err := listener.Bind(); err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}

	var metricsSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped unexpectedly")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := listener.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := listener.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown drain did not complete cleanly")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	return runErr
}
