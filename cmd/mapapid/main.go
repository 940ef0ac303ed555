package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/config"
	"github.com/yangdegang/map-api/internal/core"
	"github.com/yangdegang/map-api/internal/metrics"
	"github.com/yangdegang/map-api/internal/model"
)

func main() {
	// Load configuration first so the log level follows it.
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("self", cfg.SelfAddress()),
		zap.String("chunk_backend", cfg.Chunk.Backend))

	c, err := core.New(cfg, logger, nil)
	if err != nil {
		logger.Fatal("Failed to build core", zap.Error(err))
	}

	// Found or join the chunk directory ring: the first static peer is
	// the ring contact; without one this peer founds a new ring.
	if len(cfg.Discovery.StaticPeers) > 0 {
		c.JoinDirectoryRing(model.PeerId(cfg.Discovery.StaticPeers[0]))
		logger.Info("Joined directory ring",
			zap.String("contact", cfg.Discovery.StaticPeers[0]))
	} else {
		c.CreateDirectoryRing()
		logger.Info("Founded directory ring")
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(&metrics.ServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, logger)
		metricsServer.Start()
	}

	logger.Info("map-api node running", zap.String("address", cfg.SelfAddress()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Warn("Metrics server stop failed", zap.Error(err))
		}
	}
	c.Shutdown()
}

// initLogger initializes the zap logger.
func initLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	parsed, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = parsed
	return cfg.Build()
}
