// Command keyroomd runs the rendezvous service: the single HTTP+WebSocket
// façade two keyroom peers use to find each other and exchange SDP before
// talking directly over a WebRTC data channel (spec.md §4.2).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"

	"keyroom/internal/rendezvous"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "keyroomd.db", "SQLite database path for the rendezvous table")
	idleTimeout := flag.Duration("idle-timeout", 30*time.Second, "HTTP idle timeout")
	flag.Parse()

	logger := slog.Default()

	store, err := rendezvous.Open(*dbPath)
	if err != nil {
		logger.Error("open rendezvous store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	rendezvous.NewServer(store, rendezvous.NewBroadcaster()).Register(e)

	server := &http.Server{
		Addr:        *addr,
		Handler:     e,
		IdleTimeout: *idleTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
		}
		cancel()
	}()

	logger.Info("rendezvous service listening", "addr", *addr, "db", *dbPath)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("listen and serve", "err", err)
		os.Exit(1)
	}
	<-ctx.Done()
}
