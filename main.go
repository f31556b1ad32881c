package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketfeed/book"
	"marketfeed/config"
	"marketfeed/fanout"
	"marketfeed/ingest"
	"marketfeed/ingestor"
	"marketfeed/internal/dashboard"
	"marketfeed/logger"
	"marketfeed/transport"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	address := flag.String("address", "", "Server address, overrides transport.address")
	port := flag.Int("port", 0, "Server port, overrides transport.port")
	compressionLevel := flag.Int("websocket-compression-level", -1, "WebSocket per-message compression level 0-9, overrides transport.websocket_compression_level")
	inactivityExitSecs := flag.Int("inactivity-exit-secs", 0, "Seconds of inactivity before exit; minimum 5, overrides ingest.idle_timeout")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	if *address != "" {
		cfg.Transport.Address = *address
	}
	if *port != 0 {
		cfg.Transport.Port = *port
	}
	if *compressionLevel >= 0 {
		cfg.Transport.WebsocketCompressionLevel = *compressionLevel
	}
	if *inactivityExitSecs != 0 {
		if *inactivityExitSecs < 5 {
			*inactivityExitSecs = 5
		}
		cfg.Ingest.IdleTimeout = time.Duration(*inactivityExitSecs) * time.Second
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Marketfeed.Name,
		"version":     cfg.Marketfeed.Version,
		"environment": env,
	}).Info("starting marketfeed")

	if config.IsProductionLike(env) && cfg.Logging.Level == "debug" {
		log.Warn("debug logging enabled in a production-like environment")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.Level == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, "")
	}

	source, err := ingest.NewFileSource(cfg.Ingest.EventsPath, cfg.Ingest.SnapshotPath, cfg.Ingest.PollsPerSecond)
	if err != nil {
		log.WithError(err).Error("failed to open event source")
		os.Exit(1)
	}
	defer source.Close()

	seed, err := source.FetchSnapshot(ctx)
	if err != nil {
		log.WithError(err).Error("failed to fetch seed snapshot")
		os.Exit(1)
	}

	books := book.NewBooksWithCapacity(cfg.Book.ArenaCapacity)
	for coin, orders := range seed.PerCoin {
		books.With(coin, func(ob *book.OrderBook) {
			for _, o := range orders {
				if err := ob.Add(o); err != nil {
					log.WithError(err).WithFields(logger.Fields{"coin": string(coin)}).Error("seed snapshot rejected by book engine")
					os.Exit(1)
				}
			}
		})
	}

	fan := fanout.NewWithLimits(books, log, cfg.Book.MaxLevelsPerSide)

	transportAddr := fmt.Sprintf("%s:%d", cfg.Transport.Address, cfg.Transport.Port)
	wsServer := transport.NewWithLimits(transportAddr, fan, log, cfg.Transport.WebsocketCompressionLevel,
		cfg.Fanout.ClientQueueSize, cfg.Fanout.MaxSubscriptionsPerClient)

	dashboardServer, err := dashboard.NewServer(cfg.Dashboard, log)
	if err != nil {
		log.WithError(err).Error("failed to construct dashboard server")
		os.Exit(1)
	}

	sup := ingestor.NewWithLimits(source, seed.Block, cfg.Ingest.BacklogCapacity, books, fan, log,
		cfg.Ingest.IdleTimeout, cfg.Ingest.SnapshotInterval, cfg.Book.MaxLevelsPerSide)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsServer.Run(ctx); err != nil {
			log.WithError(err).Warn("websocket server stopped with error")
		}
	}()

	if dashboardServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dashboardServer.Run(ctx, cfg.Marketfeed.Name); err != nil {
				log.WithError(err).Warn("dashboard server stopped with error")
			}
		}()
	}

	exitCodeCh := make(chan int, 1)
	go func() {
		exitCodeCh <- sup.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var exitCode int
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		exitCode = ingestor.ExitClean
	case exitCode = <-exitCodeCh:
		log.WithFields(logger.Fields{"exit_code": exitCode}).Warn("core supervisor stopped")
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketfeed stopped")
	os.Exit(exitCode)
}
