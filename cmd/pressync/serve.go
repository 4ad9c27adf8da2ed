package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recurring sync, the task workers and the admin API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.Logger

	if _, err := a.Orchestrator.EnsureSchedule(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.RunWorkers(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("task workers stopped", "error", err)
			stop()
		}
	}()

	serverLogger := logger.With("component", "admin.http")
	server := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		serverLogger.Info("admin API listening", "addr", a.Config.Server.Addr, "db", a.Config.Database.Path)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverLogger.Error("admin server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	waitForShutdown(serverLogger, server)
	wg.Wait()
	return nil
}

func waitForShutdown(logger *slog.Logger, server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return
	}
	logger.Info("admin server stopped")
}
