package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LuminPulse-AI/livesync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchForce       bool
	watchMetricsAddr string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print realtime alerts",
	Long: "Open the realtime connection and print every alert, status change, and error until interrupted.\n" +
		"Only admin credentials connect automatically; use --force to connect with any credential.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(!watchForce)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		unsubscribe := printEvents(out, s.client.Bus)
		defer unsubscribe()

		addr := watchMetricsAddr
		if addr == "" {
			addr = s.cfg.Default.MetricsAddr
		}
		if addr != "" {
			srv := serveMetrics(addr, s.registry)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			s.logger.Info().Str("addr", addr).Msg("serving metrics")
		}

		if watchForce {
			if _, err := s.client.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
		}

		if err := s.client.Run(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Stopped.")
		return nil
	},
}

// printEvents writes bus traffic to out and returns a function removing the
// subscriptions.
func printEvents(out io.Writer, bus *livesync.Bus) func() {
	unsubs := []func(){
		bus.Status.Subscribe(func(ev livesync.StatusChange) {
			if ev.Connected {
				fmt.Fprintf(out, "[status] connected (session %s)\n", ev.SessionID)
				return
			}
			fmt.Fprintf(out, "[status] disconnected: %s\n", ev.Reason)
		}),
		bus.Errors.Subscribe(func(ev livesync.ErrorEvent) {
			fmt.Fprintf(out, "[%s] %s\n", ev.Kind, ev.Error)
		}),
		bus.Alerts.Subscribe(func(a livesync.Alert) {
			fmt.Fprintf(out, "[%s] %s: %s\n", a.Severity, a.Item.Title, a.Item.Message)
		}),
		bus.SyncFailures.Subscribe(func(f livesync.SyncFailure) {
			fmt.Fprintf(out, "[sync] %s failed: %v\n", f.Op, f.Err)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return srv
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchForce, "force", false, "Connect regardless of the credential's role")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides default.metrics_addr)")
}
