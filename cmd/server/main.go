package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/OpenMeasurementCore/internal/config"
	"github.com/KevinKickass/OpenMeasurementCore/internal/logging"
	"github.com/KevinKickass/OpenMeasurementCore/internal/system"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	simulate := flag.Bool("simulate", false, "replace every hardware driver with the simulator")
	flag.Parse()

	// Config laden
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *simulate {
		cfg.Devices.Simulate = true
	}

	// Logger initialisieren
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	lifecycle := system.NewLifecycleManager(cfg, logger)

	// Ein Signal während des Starts bricht z.B. das Warten auf die alte Instanz ab.
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := lifecycle.Start(sigCtx); err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	logger.Info("OpenMeasurementCore started successfully")

	// Graceful Shutdown auf Signal
	<-sigCtx.Done()
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	logger.Info("OpenMeasurementCore stopped successfully")
}
