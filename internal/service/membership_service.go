package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/bynar/internal/metrics"
	"github.com/devrev/bynar/internal/model"
)

// MemberMeta is the metadata a member gossips about itself
type MemberMeta struct {
	NodeID   string `json:"node_id"`
	Hostname string `json:"hostname"`
	Role     string `json:"role"`
	Disks    int    `json:"disks"`
}

// Member roles
const (
	RoleArbiter = "arbiter"
	RoleAgent   = "agent"
)

// NodeRecorder persists liveness observed through gossip
type NodeRecorder interface {
	TouchNode(ctx context.Context, node *model.Node) error
}

// MembershipConfig holds gossip protocol configuration
type MembershipConfig struct {
	BindPort      int
	SeedNodes     []string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// MembershipService joins the gossip ring shared by the arbiter and the
// agents. On the arbiter, join and update events refresh the node's
// last-seen time between heartbeats; agents only announce themselves.
type MembershipService struct {
	memberlist *memberlist.Memberlist
	recorder   NodeRecorder
	metrics    *metrics.CoordinatorMetrics
	logger     *zap.Logger

	mu    sync.RWMutex
	meta  MemberMeta
	alive map[string]MemberMeta
	now   func() time.Time
}

// NewMembershipService creates a membership service and joins the seeds.
// recorder and m may be nil.
func NewMembershipService(cfg *MembershipConfig, meta MemberMeta, recorder NodeRecorder, m *metrics.CoordinatorMetrics, logger *zap.Logger) (*MembershipService, error) {
	s := newMembershipService(meta, recorder, m, logger)

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = meta.NodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.Delegate = s
	mlConfig.Events = &membershipEvents{service: s}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		n, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes",
				zap.Strings("seeds", cfg.SeedNodes),
				zap.Int("joined", n),
				zap.Error(err))
		}
	}

	return s, nil
}

func newMembershipService(meta MemberMeta, recorder NodeRecorder, m *metrics.CoordinatorMetrics, logger *zap.Logger) *MembershipService {
	return &MembershipService{
		recorder: recorder,
		metrics:  m,
		logger:   logger,
		meta:     meta,
		alive:    make(map[string]MemberMeta),
		now:      time.Now,
	}
}

// SetDiskCount updates the disk count gossiped for this member
func (s *MembershipService) SetDiskCount(n int) {
	s.mu.Lock()
	changed := s.meta.Disks != n
	s.meta.Disks = n
	s.mu.Unlock()

	if changed && s.memberlist != nil {
		if err := s.memberlist.UpdateNode(time.Second); err != nil {
			s.logger.Debug("Failed to push member metadata", zap.Error(err))
		}
	}
}

// Members returns the agents currently alive in the ring
func (s *MembershipService) Members() []MemberMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MemberMeta, 0, len(s.alive))
	for _, m := range s.alive {
		out = append(out, m)
	}
	return out
}

// NodeMeta implements memberlist.Delegate
func (s *MembershipService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	data, err := json.Marshal(s.meta)
	s.mu.RUnlock()
	if err != nil || len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *MembershipService) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *MembershipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *MembershipService) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *MembershipService) MergeRemoteState(buf []byte, join bool) {}

// Shutdown leaves the ring and stops gossiping
func (s *MembershipService) Shutdown() error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip ring", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

func (s *MembershipService) observe(node *memberlist.Node, alive bool) {
	var meta MemberMeta
	if len(node.Meta) > 0 {
		if err := json.Unmarshal(node.Meta, &meta); err != nil {
			s.logger.Warn("Failed to decode member metadata",
				zap.String("member", node.Name),
				zap.Error(err))
		}
	}
	if meta.NodeID == "" {
		meta.NodeID = node.Name
	}

	s.mu.Lock()
	if meta.NodeID == s.meta.NodeID || meta.Role == RoleArbiter {
		s.mu.Unlock()
		return
	}
	if alive {
		s.alive[meta.NodeID] = meta
	} else {
		delete(s.alive, meta.NodeID)
	}
	count := len(s.alive)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.UpdateNodesAlive(count)
	}
	if !alive || s.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.recorder.TouchNode(ctx, &model.Node{
		NodeID:   meta.NodeID,
		Hostname: meta.Hostname,
		LastSeen: s.now(),
	})
	if err != nil {
		s.logger.Warn("Failed to record member liveness",
			zap.String("node_id", meta.NodeID),
			zap.Error(err))
	}
}

// membershipEvents handles memberlist events
type membershipEvents struct {
	service *MembershipService
}

// NotifyJoin is called when a node joins
func (d *membershipEvents) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Member joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
	d.service.observe(node, true)
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *membershipEvents) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Member left",
		zap.String("node_id", node.Name))
	d.service.observe(node, false)
}

// NotifyUpdate is called when a node's metadata changes
func (d *membershipEvents) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Member updated",
		zap.String("node_id", node.Name))
	d.service.observe(node, true)
}
