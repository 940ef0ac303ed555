// Package discovery bootstraps the hub's peer set: a static seed list
// from configuration, optionally extended by memberlist gossip so the
// peer set follows cluster membership at runtime.
package discovery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/hub"
	"github.com/yangdegang/map-api/internal/model"
)

// nodeMeta is gossiped with each member so peers learn each other's
// hub endpoint, which differs from the gossip bind address.
type nodeMeta struct {
	HubAddress string `json:"hub_address"`
}

// Config holds discovery configuration.
type Config struct {
	StaticPeers    []string
	GossipEnabled  bool
	GossipBindPort int
	GossipSeeds    []string
	GossipInterval time.Duration
}

// Service feeds discovered peers into the hub.
type Service struct {
	config     *Config
	hub        *hub.Hub
	memberlist *memberlist.Memberlist
	logger     *zap.Logger
	meta       nodeMeta
}

// New creates the discovery service and performs the bootstrap.
func New(cfg *Config, h *hub.Hub, logger *zap.Logger) (*Service, error) {
	s := &Service{
		config: cfg,
		hub:    h,
		logger: logger.With(zap.String("component", "discovery")),
		meta:   nodeMeta{HubAddress: string(h.Self())},
	}

	for _, address := range cfg.StaticPeers {
		peer, err := model.NewPeerId(address)
		if err != nil {
			return nil, fmt.Errorf("bad static peer: %w", err)
		}
		if peer != h.Self() {
			h.AddPeer(peer)
		}
	}

	if !cfg.GossipEnabled {
		return s, nil
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = string(h.Self())
	mlConfig.BindPort = cfg.GossipBindPort
	mlConfig.AdvertisePort = cfg.GossipBindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	mlConfig.Delegate = s
	mlConfig.Events = &eventDelegate{service: s}
	mlConfig.LogOutput = &zapLogAdapter{logger: s.logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(cfg.GossipSeeds) > 0 {
		if _, err := ml.Join(cfg.GossipSeeds); err != nil {
			s.logger.Warn("Failed to join some gossip seeds", zap.Error(err))
		}
	}
	return s, nil
}

// Shutdown leaves the gossip cluster.
func (s *Service) Shutdown() error {
	if s.memberlist == nil {
		return nil
	}
	return s.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate.
func (s *Service) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(s.meta)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate.
func (s *Service) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate.
func (s *Service) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate.
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

func (s *Service) hubAddressOf(node *memberlist.Node) (model.PeerId, bool) {
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil || meta.HubAddress == "" {
		return model.InvalidPeerId, false
	}
	peer, err := model.NewPeerId(meta.HubAddress)
	if err != nil {
		return model.InvalidPeerId, false
	}
	return peer, true
}

// eventDelegate maps membership events onto the hub peer set.
type eventDelegate struct {
	service *Service
}

// NotifyJoin is called when a node joins the gossip cluster.
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	peer, ok := d.service.hubAddressOf(node)
	if !ok || peer == d.service.hub.Self() {
		return
	}
	d.service.logger.Info("Peer discovered",
		zap.String("peer", string(peer)),
		zap.String("gossip_addr", node.Addr.String()))
	d.service.hub.AddPeer(peer)
}

// NotifyLeave is called when a node leaves the gossip cluster.
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	peer, ok := d.service.hubAddressOf(node)
	if !ok {
		return
	}
	d.service.logger.Info("Peer departed", zap.String("peer", string(peer)))
	d.service.hub.RemovePeer(peer)
}

// NotifyUpdate is called when a node's metadata changes.
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {}

// zapLogAdapter routes memberlist's log output into zap.
type zapLogAdapter struct {
	logger *zap.Logger
}

func (a *zapLogAdapter) Write(p []byte) (int, error) {
	a.logger.Debug(string(p))
	return len(p), nil
}
