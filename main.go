package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradestream/config"
	"tradestream/internal/channel"
	"tradestream/internal/dashboard"
	"tradestream/internal/metrics"
	"tradestream/internal/server"
	"tradestream/logger"
	"tradestream/processor"
	"tradestream/reader"
	"tradestream/reader/binance"
	"tradestream/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Tradestream.Name,
		"version":     cfg.Tradestream.Version,
		"environment": env,
	}).Info("starting tradestream")

	if cfg.Server.AuthEnabled() {
		log.Info("credentials provided, the website requires a password")
	} else if config.IsProductionLike(env) {
		log.WithField("environment", env).Warn("credentials not provided, the website is accessible without a password")
	} else {
		log.Info("credentials not provided, the website is accessible without a password")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init(nil)

	if cfg.Logging.CloudWatch.Enabled {
		cw := cfg.Logging.CloudWatch
		logger.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}

	broadcaster := channel.NewBroadcaster()

	summary := func() map[string]float64 {
		values := metrics.Snapshot()
		stats := broadcaster.GetStats()
		values["feed_subscribers"] = float64(stats.Subscribers)
		values["feed_published"] = float64(stats.Published)
		return values
	}
	logger.StartReport(ctx, log, cfg.Logging.ReportInterval, summary)

	dash := dashboard.New(cfg.Dashboard, log, summary)
	dash.Start(ctx)
	defer dash.Close()

	var lister server.ArchiveLister
	if l, err := binance.NewLister(ctx, cfg.Source.Binance.Listing); err != nil {
		log.WithComponent("main").WithError(err).Warn("archive listing disabled")
	} else {
		lister = l
	}

	var (
		feed     *binance.FeedClient
		liveFeed *channel.Broadcaster
	)
	if cfg.Source.Binance.Feed.Enabled {
		liveFeed = broadcaster
		feed = binance.NewFeedClient(cfg.Source.Binance.Feed, broadcaster)
		if err := feed.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start live feed")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("live feed disabled")
	}

	var relay *writer.KafkaRelay
	if cfg.Relay.Kafka.Enabled {
		relay, err = writer.NewKafkaRelay(cfg, broadcaster)
		if err != nil {
			log.WithError(err).Error("failed to create kafka relay")
			os.Exit(1)
		}
		if err := relay.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka relay")
			os.Exit(1)
		}
	}

	srv := server.New(cfg, log, server.Deps{
		Registry:  processor.NewRegistry(cfg),
		Source:    reader.NewHTTPSource(cfg),
		Lister:    lister,
		Feed:      liveFeed,
		Dashboard: dash,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			log.WithError(err).Error("http server failed")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown")
	cancel()

	if feed != nil {
		log.Info("stopping live feed")
		feed.Stop()
	}
	broadcaster.Close()
	if relay != nil {
		log.Info("stopping kafka relay")
		relay.Stop()
	}

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

	log.Info("tradestream stopped")
}
