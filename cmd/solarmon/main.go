package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/pkosek/solis-ginlong-local-monitor/internal/api"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/collector"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/config"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/inverter"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/scheduler"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/series"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/storage"
)

// Command solarmon polls a Solis inverter over the local network, appends
// every sample to a sqlite time series, and serves live and historical
// queries over HTTP.
//
// Usage:
//
//	solarmon [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"inverter": cfg.Inverter.Address,
		"protocol": cfg.Inverter.Protocol,
		"interval": cfg.Collector.Interval().String(),
		"database": cfg.Storage.Path,
	}).Info("starting solar monitor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := storage.Open(ctx, storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutMS,
	})
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer repo.Close()

	reader := newReader(cfg.Inverter)
	engine := series.New(repo)

	srv, err := api.NewServer(engine, logger, cfg.Server)
	if err != nil {
		logger.Fatalf("Failed to set up server: %v", err)
	}

	coll := collector.New(reader, repo, cfg.Collector.Interval(), logger)
	coll.OnStored = srv.Hub().Broadcast

	maint := scheduler.New(repo, logger)
	if err := maint.Start(); err != nil {
		logger.Fatalf("Failed to start maintenance scheduler: %v", err)
	}
	defer maint.Stop()

	errChan := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := coll.Run(ctx); err != nil {
			errChan <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	case err := <-errChan:
		logger.WithError(err).Error("fatal error, shutting down")
		cancel()
	}

	// Let the collector finish an in-flight write and the server drain
	// connections before closing the store.
	wg.Wait()
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format != "text" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

func newReader(cfg config.InverterConfig) inverter.Reader {
	if cfg.Protocol == config.ProtocolModbusTCP {
		return inverter.NewModbusTCPReader(cfg.Address, cfg.SlaveID, cfg.Timeout())
	}
	return inverter.NewSolarmanReader(cfg.Address, cfg.Serial, cfg.SlaveID, cfg.Timeout())
}
