package master

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pensieve/pensieve/pkg/cluster"
	"github.com/pensieve/pensieve/pkg/common/config"
	"github.com/pensieve/pensieve/pkg/common/metrics"
	"github.com/pensieve/pensieve/pkg/gateway"
	"github.com/pensieve/pensieve/pkg/gateway/transport"
	raftpkg "github.com/pensieve/pensieve/pkg/master/raft"
	"go.uber.org/zap"
)

// MasterNode represents a master node in the Pensieve cluster
type MasterNode struct {
	cfg        *config.MasterConfig
	logger     *zap.Logger
	raftNode   *raftpkg.RaftNode
	fsm        *raftpkg.FSM
	routing    *RoutingService
	listClient *transport.Client
	collector  *metrics.Collector
	httpServer *http.Server
}

// NewMasterNode creates a new master node
func NewMasterNode(cfg *config.MasterConfig, logger *zap.Logger) (*MasterNode, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	fsm := raftpkg.NewFSM(logger)

	raftCfg := &raftpkg.Config{
		NodeID:    cfg.NodeID,
		RaftAddr:  fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.RaftPort),
		DataDir:   cfg.DataDir,
		Bootstrap: len(cfg.Peers) == 0, // Bootstrap if no peers
		Peers:     cfg.Peers,
		Logger:    logger,
	}

	raftNode, err := raftpkg.NewRaftNode(raftCfg, fsm)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	collector := metrics.NewCollector("master")
	listClient := transport.NewClient(logger)

	allocator := gateway.NewAllocator(cfg.Gateway, listClient, listClient, collector, logger)
	deciders := cluster.NewDeciderChain(cluster.SameShardDecider{}, cluster.FilterDecider{})
	routing := NewRoutingService(raftNode, allocator, NewBalancer(logger), deciders, logger)

	node := &MasterNode{
		cfg:        cfg,
		logger:     logger,
		raftNode:   raftNode,
		fsm:        fsm,
		routing:    routing,
		listClient: listClient,
		collector:  collector,
	}

	node.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.HTTPPort),
		Handler: node.newRouter(),
	}

	return node, nil
}

// Start starts the master node
func (m *MasterNode) Start(ctx context.Context) error {
	if err := m.raftNode.Start(ctx); err != nil {
		return fmt.Errorf("failed to start raft: %w", err)
	}

	if err := m.raftNode.WaitForLeader(30 * time.Second); err != nil {
		return fmt.Errorf("failed to elect leader: %w", err)
	}

	if m.raftNode.IsLeader() {
		m.logger.Info("This node is the Raft leader")
		if err := m.initializeCluster(); err != nil {
			return fmt.Errorf("failed to initialize cluster: %w", err)
		}
	} else {
		m.logger.Info("This node is a Raft follower", zap.String("leader", m.raftNode.Leader()))
	}

	m.routing.Start()

	go func() {
		m.logger.Info("Starting HTTP server", zap.String("addr", m.httpServer.Addr))
		if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Pick up whatever was unassigned when the cluster went down.
	m.routing.Reroute()

	return nil
}

// Stop stops the master node
func (m *MasterNode) Stop(ctx context.Context) error {
	m.logger.Info("Stopping master node")

	if err := m.httpServer.Shutdown(ctx); err != nil {
		m.logger.Error("Error shutting down HTTP server", zap.Error(err))
	}

	m.routing.Stop()

	if err := m.listClient.Close(); err != nil {
		m.logger.Error("Error closing list client", zap.Error(err))
	}

	if err := m.raftNode.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop raft: %w", err)
	}

	return nil
}

// IsLeader returns whether this node leads the cluster.
func (m *MasterNode) IsLeader() bool { return m.raftNode.IsLeader() }

// Leader returns the current leader address.
func (m *MasterNode) Leader() string { return m.raftNode.Leader() }

func (m *MasterNode) initializeCluster() error {
	if m.fsm.GetState().ClusterUUID != "" {
		return nil
	}
	payload, err := json.Marshal(map[string]string{"cluster_uuid": uuid.New().String()})
	if err != nil {
		return err
	}
	return m.raftNode.Apply(raftpkg.Command{Type: raftpkg.CommandBootstrapCluster, Payload: payload}, applyTimeout)
}
