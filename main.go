package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cascadeflow/config"
	"cascadeflow/internal/analyzer"
	"cascadeflow/internal/archive"
	liqchannel "cascadeflow/internal/channel/liq"
	oichannel "cascadeflow/internal/channel/oi"
	"cascadeflow/internal/dashboard"
	"cascadeflow/internal/dispatch"
	"cascadeflow/internal/engine"
	"cascadeflow/internal/metrics"
	"cascadeflow/internal/models"
	"cascadeflow/internal/poller"
	"cascadeflow/internal/processor"
	"cascadeflow/internal/reader/binance"
	"cascadeflow/internal/reader/bybit"
	"cascadeflow/internal/reader/hyperliquid"
	"cascadeflow/internal/reader/kucoin"
	"cascadeflow/internal/reader/okx"
	"cascadeflow/internal/store"
	"cascadeflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
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

	log.WithFields(logger.Fields{
		"service": cfg.Cascadeflow.Name,
		"version": cfg.Cascadeflow.Version,
	}).Info("starting cascadeflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Configure(cfg.Metrics)
	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(cfg.Logging.Region, cfg.Logging.Namespace, cfg.Cascadeflow.Name)
		metrics.InitCloudWatch(cfg.Logging.Region, cfg.Logging.Namespace, cfg.Cascadeflow.Name)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	liqChannels := liqchannel.NewChannels(cfg.Channels.RawBuffer)
	defer liqChannels.Close()
	oiChannels := oichannel.NewChannels(cfg.Channels.OIBuffer)
	defer oiChannels.Close()

	metrics.StartChannelSizeMetrics(ctx, liqChannels, oiChannels, 30*time.Second)

	eventStore := store.NewStore(cfg.Store.RingCapacity, cfg.Store.BucketDuration, cfg.Store.BucketRetention)
	eventStore.StartSweeper(ctx, cfg.Store.SweepInterval)

	oiPoller := poller.NewPoller(cfg, oiChannels)
	thresholds := engine.NewThresholdEngine(cfg, oiPoller, eventStore)
	volumeAnalyzer := analyzer.NewAnalyzer(cfg.Analyzer, thresholds)

	var archiveCh chan models.LiquidationEvent
	var archiveWriter *archive.Writer
	if cfg.Archive.Enabled {
		archiveCh = make(chan models.LiquidationEvent, cfg.Channels.ArchiveBuffer)
		archiveWriter, err = archive.NewWriter(cfg, archiveCh)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("archive disabled; liquidations are kept in memory only")
	}

	liqProcessor := processor.NewLiquidationProcessor(cfg, liqChannels, eventStore, archiveCh, volumeAnalyzer)
	oiProcessor := processor.NewOIProcessor(cfg, oiChannels)

	var sink dispatch.Sink
	if cfg.Dispatcher.WebhookURL != "" {
		sink = dispatch.NewWebhookSink(cfg.Dispatcher.WebhookURL, cfg.Dispatcher.DeliverTimeout)
	} else {
		log.WithComponent("main").Info("no webhook configured; alerts go to the log only")
		sink = dispatch.NewLogSink()
	}
	dispatcher := dispatch.NewDispatcher(cfg, sink)

	cascadeEngine := engine.NewCascadeEngine(cfg, eventStore, volumeAnalyzer, oiPoller, thresholds, dispatcher)

	type component struct {
		name string
		stop func()
	}
	var started []component
	start := func(name string, startFn func(context.Context) error, stopFn func()) {
		if err := startFn(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"component": name}).Warn("component failed to start")
			return
		}
		started = append(started, component{name: name, stop: stopFn})
	}

	if cfg.Source.Binance.Liquidation.Enabled {
		r := binance.Binance_LIQ_NewReader(cfg, liqChannels, cfg.Source.Binance.Liquidation.Symbols)
		start("binance_liq_reader", r.Binance_LIQ_Start, r.Binance_LIQ_Stop)
	}
	if cfg.Source.Bybit.Liquidation.Enabled {
		r := bybit.Bybit_LIQ_NewReader(cfg, liqChannels, cfg.Source.Bybit.Liquidation.Symbols)
		start("bybit_liq_reader", r.Bybit_LIQ_Start, r.Bybit_LIQ_Stop)
	}
	if cfg.Source.Okx.Liquidation.Enabled {
		r := okx.OKX_LIQ_NewReader(cfg, liqChannels)
		start("okx_liq_reader", r.OKX_LIQ_Start, r.OKX_LIQ_Stop)
	}
	if cfg.Source.Kucoin.Liquidation.Enabled {
		r := kucoin.Kucoin_LIQ_NewReader(cfg, liqChannels, cfg.Source.Kucoin.Liquidation.Symbols)
		start("kucoin_liq_reader", r.Kucoin_LIQ_Start, r.Kucoin_LIQ_Stop)
	}
	if cfg.Source.Hyperliquid.Liquidation.Enabled {
		r := hyperliquid.Hyperliquid_LIQ_NewReader(cfg, liqChannels, cfg.Source.Hyperliquid.Liquidation.Symbols)
		start("hyperliquid_liq_reader", r.Hyperliquid_LIQ_Start, r.Hyperliquid_LIQ_Stop)
	}

	start("liq_processor", liqProcessor.Start, liqProcessor.Stop)
	start("oi_processor", oiProcessor.Start, oiProcessor.Stop)
	start("oi_poller", oiPoller.Start, oiPoller.Stop)
	start("threshold_engine", thresholds.Start, thresholds.Stop)
	start("cascade_engine", cascadeEngine.Start, cascadeEngine.Stop)
	start("alert_dispatcher", dispatcher.Start, dispatcher.Stop)
	if archiveWriter != nil {
		start("archive_writer", archiveWriter.Start, archiveWriter.Stop)
	}

	dashboardServer, err := dashboard.NewServer(cfg.Dashboard, log, dashboard.Sources{
		Cascade:   cascadeEngine,
		Market:    oiPoller,
		Volume:    volumeAnalyzer,
		Alerts:    dispatcher,
		Snapshots: oiProcessor,
	})
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}
	dashboardDone := make(chan struct{})
	go func() {
		defer close(dashboardDone)
		if err := dashboardServer.Run(ctx); err != nil {
			log.WithError(err).Warn("dashboard server exited with error")
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		// stop in start order so producers drain before their consumers
		for _, c := range started {
			log.WithFields(logger.Fields{"component": c.name}).Info("stopping component")
			c.stop()
		}
		<-dashboardDone
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("cascadeflow stopped")
}
