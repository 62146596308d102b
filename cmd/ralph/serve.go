package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/httpmw"
	"github.com/kandev/ralph/internal/hub"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Event Hub and Worker Orchestrator and serve WebSocket connections",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return runtimeError(fmt.Errorf("load config: %w", err))
	}

	d, err := wire(cfg, agentFlag)
	if err != nil {
		return runtimeError(err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go d.eventHub.Run(ctx)

	if err := d.orchestrator.Start(ctx); err != nil {
		return runtimeError(fmt.Errorf("start orchestrator: %w", err))
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", hub.NewHandler(d.eventHub, d.logger))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"ralph","activeWorkers":%d}`, d.orchestrator.ActiveWorkers())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      httpmw.RequestLogger(d.logger, "ralph")(mux),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serverErr := make(chan error, 1)
	go func() {
		d.logger.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case <-ctx.Done():
		d.logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			return runtimeError(fmt.Errorf("http server: %w", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown error", zap.Error(err))
	}
	if err := d.orchestrator.Stop(shutdownCtx); err != nil {
		d.logger.Warn("orchestrator stop error", zap.Error(err))
	}

	if ctx.Err() != nil {
		return interruptedError(ctx.Err())
	}
	return nil
}
