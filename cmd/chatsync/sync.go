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

	"github.com/LuminPulse-AI/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	syncMetricsAddr string
	syncNoReconnect bool
)

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringVar(&syncMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	syncCmd.Flags().BoolVar(&syncNoReconnect, "no-reconnect", false, "exit when the realtime connection drops")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Follow the realtime feed and keep the local store current",
	Long:  "Connect to the realtime event feed, fold every event into the local store, retry messages that were saved offline, and optionally expose metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr := syncMetricsAddr
		if addr == "" {
			addr = a.cfg.Sync.MetricsAddr
		}

		rt := chatsync.NewRealtimeClient(a.client.BaseURL(), a.session, chatsync.RealtimeConfig{
			Token:         a.cfg.Auth.Token,
			UserID:        a.cfg.Auth.UserID,
			AutoReconnect: !syncNoReconnect,
			Logger:        a.logger.Named("realtime"),
		})
		if err := rt.Connect(ctx); err != nil {
			a.session.SetOnline(false)
			return fmt.Errorf("connect realtime feed: %w", err)
		}
		defer rt.Disconnect()

		g, gctx := errgroup.WithContext(ctx)
		if addr != "" {
			srv := metricsServer(addr, a.registry)
			g.Go(func() error {
				a.logger.Info("metrics_listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}
		g.Go(func() error {
			resumePending(gctx, a)
			return nil
		})
		g.Go(func() error {
			states, cancel := rt.State().Subscribe()
			defer cancel()
			for {
				select {
				case <-gctx.Done():
					return nil
				case s := <-states:
					if s == chatsync.StateDisconnected && syncNoReconnect {
						return fmt.Errorf("realtime connection lost")
					}
				}
			}
		})

		a.logger.Info("sync_running", zap.String("user_id", a.cfg.Auth.UserID))
		return g.Wait()
	},
}

func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// resumePending retries messages left unsent by an earlier run.
func resumePending(ctx context.Context, a *app) {
	for _, status := range []chatsync.SyncStatus{chatsync.SyncStatusSyncNeeded, chatsync.SyncStatusAwaitingAttachments} {
		msgs, err := a.store.SelectMessagesBySyncStatus(ctx, status)
		if err != nil {
			a.logger.Warn("resume_pending_failed", zap.String("status", string(status)), zap.Error(err))
			continue
		}
		for _, m := range msgs {
			if _, err := a.session.Orchestrator().ResumeSend(ctx, m.ID); err != nil {
				a.logger.Warn("resume_send_failed", zap.String("message_id", m.ID), zap.Error(err))
				continue
			}
			a.logger.Info("resume_send_delivered", zap.String("message_id", m.ID))
		}
	}
}
