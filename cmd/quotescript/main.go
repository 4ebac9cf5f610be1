// cmd/quotescript: reactive quote scripting runtime.
//
// Runs each script file given on the command line in one shared context
// (files named *.r.js are rule scripts), then keeps the process alive so
// reactive rules keep firing. With -i, or with no files, it reads
// statements from stdin instead.
//
//	quotescript [-i] [-once] [file ...]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"quote-runtime/config"
	"quote-runtime/internal/broker"
	"quote-runtime/internal/broker/sim"
	"quote-runtime/internal/broker/wsfeed"
	"quote-runtime/internal/logger"
	"quote-runtime/internal/marketdata"
	"quote-runtime/internal/markethours"
	"quote-runtime/internal/metrics"
	"quote-runtime/internal/notification"
	"quote-runtime/internal/script"
	"quote-runtime/internal/session"
	redisstore "quote-runtime/internal/store/redis"
	sqlitestore "quote-runtime/internal/store/sqlite"
)

func main() {
	interactive := flag.Bool("i", false, "Read statements from stdin after running files")
	once := flag.Bool("once", false, "Exit after running files instead of waiting for a signal")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.Init(cfg.ServiceName, logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	if err := run(cfg, log, flag.Args(), *interactive || flag.NArg() == 0, *once); err != nil {
		log.Error("quotescript failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger, files []string, interactive, once bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus(cfg.RedisAddr != "")
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		metricsSrv.Stop(stopCtx)
	}()

	// ---- Symbol directory + tick journal ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	store, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	defer store.Close()
	if err := store.Seed(ctx, cfg.Symbols()); err != nil {
		return fmt.Errorf("sqlite seed: %w", err)
	}
	health.SetSQLiteOK(true)

	journal := make(chan sqlitestore.TickRecord, 10000)
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		store.RunJournal(ctx, journal)
	}()

	// ---- Redis mirror (optional) ----
	var (
		mirror      *redisstore.Mirror
		redisWriter *redisstore.Writer
	)
	if cfg.RedisAddr != "" {
		redisWriter, err = redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Warn("redis init failed, continuing without mirror", "error", err)
		} else {
			defer redisWriter.Close()
			health.SetRedisConnected(true)
			mirror = newMirror(redisWriter, prom)
			go mirror.Run(ctx)
		}
	}
	if redisWriter != nil {
		health.StartLivenessChecker(ctx, redisWriter.Client(), store.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)
	}

	// ---- Broker ----
	svc, closeBroker, err := newBroker(ctx, cfg, log, prom)
	if err != nil {
		return err
	}
	defer closeBroker()
	health.SetBrokerConnected(true)

	// ---- Session ----
	opts := session.Options{
		Logger:     log.With("component", "session"),
		Metrics:    prom,
		Symbols:    cfg.Symbols(),
		Directory:  store,
		Groups:     cfg.Groups(),
		AutoStream: cfg.QuoteAutoStream,
		OnTick: func(symbol string, u marketdata.Update) {
			now := time.Now()
			health.SetLastTickTime(now)
			select {
			case journal <- sqlitestore.TickRecord{Symbol: symbol, Field: u.Key, TS: now, Value: u.NewValue}:
			default:
			}
		},
	}
	if mirror != nil {
		opts.Mirror = mirror
	}
	sess := session.New(svc, opts)
	defer sess.Close()

	// ---- Script context ----
	calendar, err := markethours.NewCalendar(cfg.MarketTZ, cfg.MarketOpen, cfg.MarketClose, cfg.Holidays())
	if err != nil {
		return fmt.Errorf("market calendar: %w", err)
	}
	baseDir, _ := os.Getwd()
	sc := script.New(script.Options{
		Logger:    log.With("component", "script"),
		Metrics:   prom,
		BaseDir:   baseDir,
		Symbols:   cfg.Symbols(),
		Calendar:  calendar,
		Notifier:  newNotifier(cfg, log),
		Resolvers: []script.Resolver{sess.Resolve},
	})
	defer sc.Close()
	health.SetLoopRunning(true)
	defer health.SetLoopRunning(false)

	log.Info("quotescript ready",
		"broker", cfg.Broker,
		"groups", cfg.Groups(),
		"auto_stream", cfg.QuoteAutoStream,
		"market", calendar.Status(time.Now()))

	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		runCtx := logger.WithRunID(ctx, logger.GenerateRunID(filepath.Base(file), time.Now()))
		v, err := sc.RunInContext(runCtx, string(src), file)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		log.Info("script finished", append(logger.LogWithRun(runCtx), "file", file, "result", v)...)
	}

	switch {
	case interactive:
		err = repl(ctx, sc, os.Stdin, os.Stdout)
		if err == context.Canceled {
			err = nil
		}
	case once:
	default:
		<-ctx.Done()
	}

	log.Info("shutting down", "quotes", sess.Quotes())
	cancel()
	<-journalDone
	return err
}

// newBroker returns the configured market-data service and its closer.
func newBroker(ctx context.Context, cfg *config.Config, log *slog.Logger, prom *metrics.Metrics) (broker.Service, func(), error) {
	switch cfg.Broker {
	case "ws":
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := wsfeed.Dial(dialCtx, wsfeed.Config{
			URL:         cfg.FeedURL,
			TOTPSecret:  cfg.FeedTOTPSecret,
			Logger:      log.With("component", "feed"),
			OnReconnect: func() { prom.FeedReconnects.Inc() },
		})
		if err != nil {
			return nil, nil, err
		}
		return client, func() { client.Close() }, nil
	default:
		return sim.New(sim.Config{Interval: time.Duration(cfg.SimIntervalMS) * time.Millisecond}), func() {}, nil
	}
}

func newMirror(w *redisstore.Writer, prom *metrics.Metrics) *redisstore.Mirror {
	cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(_, to redisstore.State) {
		prom.MirrorCircuitState.Set(float64(to))
		if to == redisstore.StateOpen {
			prom.MirrorCircuitTrips.Inc()
		}
	}
	m := redisstore.NewMirror(w, cb, 0)
	m.OnBuffer = func() { prom.MirrorBufferedWrites.Inc() }
	m.OnWrite = func(d time.Duration) { prom.MirrorWriteDur.Observe(d.Seconds()) }
	return m
}

func newNotifier(cfg *config.Config, log *slog.Logger) notification.Notifier {
	notifiers := notification.Multi{notification.NewLogNotifier(log.With("component", "notify"))}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	return notifiers
}
