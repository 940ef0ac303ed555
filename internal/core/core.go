// Package core wires one process's components into an explicit context
// object: the logical clock, the hub, the chunk directory, the table
// manager and the background pools. There are no package-level
// singletons; the application constructs one Core and passes it by
// handle.
package core

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/chord"
	"github.com/yangdegang/map-api/internal/chunk"
	"github.com/yangdegang/map-api/internal/clock"
	"github.com/yangdegang/map-api/internal/config"
	"github.com/yangdegang/map-api/internal/discovery"
	"github.com/yangdegang/map-api/internal/hub"
	"github.com/yangdegang/map-api/internal/metrics"
	"github.com/yangdegang/map-api/internal/model"
	"github.com/yangdegang/map-api/internal/table"
	"github.com/yangdegang/map-api/internal/workerpool"
)

// Core is the per-process context object.
type Core struct {
	config    *config.Config
	logger    *zap.Logger
	clock     *clock.LogicalClock
	metrics   *metrics.Metrics
	hub       *hub.Hub
	pool      *workerpool.Pool
	directory *chord.Index
	tables    *table.Manager
	discovery *discovery.Service

	shutdownOnce sync.Once
}

// Options tunes core construction.
type Options struct {
	// Registerer receives the metrics; defaults to the global
	// prometheus registerer.
	Registerer prometheus.Registerer
	// DisableDirectory turns the chord directory off, for deployments
	// where every peer knows every chunk.
	DisableDirectory bool
}

// New builds a core: clock, metrics, hub, pool, directory and table
// manager, registers every message handler, starts the hub listener and
// then bootstraps discovery. Shutdown stops discovery first and the hub
// last.
func New(cfg *config.Config, logger *zap.Logger, opts *Options) (*Core, error) {
	if opts == nil {
		opts = &Options{}
	}
	registerer := opts.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	self, err := model.NewPeerId(cfg.SelfAddress())
	if err != nil {
		return nil, err
	}

	c := &Core{
		config:  cfg,
		logger:  logger,
		clock:   clock.New(),
		metrics: metrics.New(registerer, cfg.SelfAddress()),
	}
	c.hub = hub.New(&hub.Config{
		SelfAddress:    self,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, c.clock, c.metrics, logger)

	c.pool = workerpool.New(&workerpool.Config{
		Name:       "detached-handlers",
		MaxWorkers: cfg.Chunk.TriggerWorkers,
		Logger:     logger,
	})

	if !opts.DisableDirectory {
		c.directory = chord.NewIndex(&chord.Config{
			StabilizeInterval: cfg.Chord.StabilizeInterval,
		}, c.hub, c.metrics, c.pool, logger)
	}

	deps := chunk.Deps{
		Hub:              c.hub,
		Clock:            c.clock,
		Metrics:          c.metrics,
		Logger:           logger,
		Pool:             c.pool,
		LockRetryBackoff: cfg.Chunk.LockRetryBackoff,
	}
	c.tables = table.NewManager(&cfg.Chunk, c.directory, deps)

	c.tables.RegisterHandlers(c.hub)
	if c.directory != nil {
		c.directory.RegisterHandlers(c.hub)
	}

	if err := c.hub.Start(); err != nil {
		return nil, err
	}

	c.discovery, err = discovery.New(&discovery.Config{
		StaticPeers:    cfg.Discovery.StaticPeers,
		GossipEnabled:  cfg.Discovery.GossipEnabled,
		GossipBindPort: cfg.Discovery.GossipBindPort,
		GossipSeeds:    cfg.Discovery.GossipSeeds,
		GossipInterval: cfg.Discovery.GossipInterval,
	}, c.hub, logger)
	if err != nil {
		c.hub.Shutdown()
		return nil, err
	}
	return c, nil
}

// Self returns this process's peer address.
func (c *Core) Self() model.PeerId {
	return c.hub.Self()
}

// Clock returns the process's logical clock.
func (c *Core) Clock() *clock.LogicalClock {
	return c.clock
}

// Hub returns the peer hub.
func (c *Core) Hub() *hub.Hub {
	return c.hub
}

// Tables returns the table manager.
func (c *Core) Tables() *table.Manager {
	return c.tables
}

// Directory returns the chunk directory, or nil when disabled.
func (c *Core) Directory() *chord.Index {
	return c.directory
}

// Metrics returns the metrics collectors.
func (c *Core) Metrics() *metrics.Metrics {
	return c.metrics
}

// CreateDirectoryRing founds a directory ring of this single peer.
func (c *Core) CreateDirectoryRing() {
	if c.directory != nil {
		c.directory.Create()
	}
}

// JoinDirectoryRing joins the directory ring through any member.
func (c *Core) JoinDirectoryRing(member model.PeerId) {
	if c.directory != nil {
		c.directory.Join(member)
	}
}

// NewTransaction opens a multi-table transaction scoped to a fresh
// start time.
func (c *Core) NewTransaction() *table.MultiTableTransaction {
	deps := chunk.Deps{
		Hub:     c.hub,
		Clock:   c.clock,
		Metrics: c.metrics,
		Logger:  c.logger,
		Pool:    c.pool,
	}
	return table.NewMultiTableTransaction(c.clock.Sample(), deps)
}

// Shutdown unwinds the core: discovery, directory stabilizer, raft
// chunks, worker pool, hub. Safe to call more than once.
func (c *Core) Shutdown() {
	c.shutdownOnce.Do(c.shutdown)
}

func (c *Core) shutdown() {
	if c.discovery != nil {
		if err := c.discovery.Shutdown(); err != nil {
			c.logger.Warn("Discovery shutdown failed", zap.Error(err))
		}
	}
	if c.directory != nil {
		c.directory.Leave()
	}
	c.tables.Shutdown()
	c.pool.Drain()
	if err := c.pool.Stop(5 * time.Second); err != nil {
		c.logger.Warn("Worker pool stop failed", zap.Error(err))
	}
	c.hub.Shutdown()
	c.logger.Info("Core stopped")
}
