package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"example.com/pressync/internal/logging"
	"example.com/pressync/internal/sqliteutil"
	"example.com/pressync/internal/upstream"
)

func main() {
	var (
		dbPath = flag.String("db", "upstream.db", "path to the mock site sqlite database file")
		addr   = flag.String("addr", ":8081", "HTTP listen address for the mock WordPress API")
		seed   = flag.Int("seed", 0, "number of random posts to create on start")
		public = flag.String("public-url", "http://localhost:8081", "base URL used for seeded image links")
	)
	flag.Parse()

	ctx := context.Background()
	logger, closer := logging.New(logging.Options{Level: "info"})
	defer closer.Close()

	db, err := sqliteutil.Open(*dbPath)
	if err != nil {
		logger.Error("open upstream db failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := upstream.NewStore(db)
	if err := store.Init(ctx); err != nil {
		logger.Error("init upstream schema failed", "error", err)
		os.Exit(1)
	}
	for i := 0; i < *seed; i++ {
		if _, err := store.CreateRandomPost(ctx, "posts", *public); err != nil {
			logger.Error("seed post failed", "error", err)
			os.Exit(1)
		}
	}

	serverLogger := logger.With("component", "upstream.http")
	server := &http.Server{
		Addr:              *addr,
		Handler:           upstream.NewServer(store, serverLogger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		serverLogger.Info("mock WordPress API listening", "addr", *addr, "db", *dbPath, "seeded", *seed)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverLogger.Error("upstream server error", "error", err)
		}
	}()

	waitForShutdown(serverLogger, server)
}

func waitForShutdown(logger *slog.Logger, server *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return
	}
	logger.Info("upstream server stopped")
}
