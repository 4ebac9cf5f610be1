// cmd/tickserver: demo market-data server.
// Serves the in-process simulator over the wsfeed protocol so quotescript
// (BROKER=ws) can run against a remote feed without broker credentials.
//
// Config (env vars, see config package):
//
//	TICK_SERVER_ADDR  listen address (default ":8765")
//	SIM_INTERVAL_MS   streamed frame interval (default 250)
//	FEED_TOTP_SECRET  when set, clients must send a TOTP code
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quote-runtime/config"
	"quote-runtime/internal/broker/sim"
	"quote-runtime/internal/broker/wsfeed"
	"quote-runtime/internal/logger"
)

// Default starting prices for well-known symbols.
var defaultPrices = map[string]float64{
	"SPX":  5800,
	"NDX":  20500,
	"VIX":  16.5,
	"AAPL": 228,
	"MSFT": 415,
	"SPY":  580,
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.Init("tickserver", logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	log.Info("starting demo tick server", "addr", cfg.TickServerAddr, "interval_ms", cfg.SimIntervalMS, "totp", cfg.FeedTOTPSecret != "")

	simulator := sim.New(sim.Config{
		Interval: time.Duration(cfg.SimIntervalMS) * time.Millisecond,
		Prices:   defaultPrices,
	})
	feed := wsfeed.NewServer(simulator, wsfeed.ServerConfig{
		TOTPSecret: cfg.FeedTOTPSecret,
		Logger:     log.With("component", "feed"),
	})
	feed.OnDropped = func() { log.Debug("slow client, dropped tick") }

	mux := http.NewServeMux()
	mux.Handle("/feed", feed)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"tickserver","clients":%d}`+"\n", feed.Clients())
	})

	srv := &http.Server{
		Addr:              cfg.TickServerAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("listening", "feed", "ws://localhost"+cfg.TickServerAddr+"/feed")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	feed.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
