package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chatd/internal/chat"
	"chatd/internal/httpapi"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", "0.0.0.0:6567", "Chat listen address")
	adminAddr := flag.String("admin-addr", "", "Admin HTTP listen address (empty = disabled)")
	maxConns := flag.Int("max-conns", 1024, "Maximum simultaneous client connections")
	serverName := flag.String("name", "chatd", "Server display name")
	statsEvery := flag.Duration("stats-interval", time.Minute, "Interval between stats log lines")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	if RunCLI(flag.Args()) {
		return
	}

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting server", "version", Version, "name", *serverName, "addr", *addr)

	registry := prometheus.NewRegistry()
	stats := NewStats(registry)
	app := chat.NewApp()
	server := NewServer(*addr, *maxConns, app, stats)

	if err := server.Listen(); err != nil {
		slog.Error("listen", "addr", *addr, "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	if *adminAddr != "" {
		admin := httpapi.New(*serverName, Version, app, stats, registry)
		go func() {
			if err := admin.Run(ctx, *adminAddr); err != nil {
				slog.Error("admin api error", "err", err)
			}
		}()
		slog.Info("admin api listening", "addr", *adminAddr)
	}

	go RunMetrics(ctx, stats, *statsEvery)

	slog.Info("listening", "addr", server.Addr())
	if err := server.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
