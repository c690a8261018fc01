package main

import (
	"context"
	"mmbot/internal/bus"
	"mmbot/internal/config"
	"mmbot/internal/engine"
	"mmbot/internal/exchange"
	"mmbot/internal/exchange/bybit"
	"mmbot/internal/exchange/paper"
	"mmbot/internal/logger"
	"mmbot/internal/models"
	"mmbot/internal/notify"
	"mmbot/internal/store"
	"mmbot/internal/ui"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const shutdownTimeout = 15 * time.Second

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("failed to open store")
	}

	var gw exchange.Gateway
	pair := models.Pair{Base: cfg.Exchange.Base, Quote: cfg.Exchange.Quote}
	if cfg.Runtime.DryRun || cfg.Exchange.Driver == paper.ExchangeName {
		gw = paper.New(cfg.Exchange.Paper, pair, logger)
	} else {
		gw = bybit.New(cfg.Exchange, logger)
	}

	hub := ui.NewHub(logger, cfg.UI.AllowedOrigins)
	sinks := notify.Fanout{hub}
	var kafkaSink *notify.KafkaSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink = notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		sinks = append(sinks, kafkaSink)
	}

	eng := engine.New(cfg, gw, st, bus.New(), sinks, logger)
	server := ui.NewServer(cfg.UI, eng, hub, logger)

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start ui server")
	}
	if err := eng.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start engine")
	}
	logger.WithFields(map[string]interface{}{
		"exchange": gw.Exchange(),
		"symbol":   pair.Symbol(),
		"storage":  cfg.Storage.Driver,
	}).Info("bot started")

	stopped := make(chan error, 1)
	go func() { stopped <- eng.Wait() }()

	select {
	case <-sigCh:
	case err := <-stopped:
		if err != nil {
			logger.WithError(err).Warn("engine stopped")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("engine shutdown failed")
	}
	cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("ui server shutdown failed")
	}
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			logger.WithError(err).Warn("kafka sink close failed")
		}
	}
	if err := st.Close(); err != nil {
		logger.WithError(err).Warn("store close failed")
	}

	logger.Info("bot stopped")
}
