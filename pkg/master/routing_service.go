package master

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pensieve/pensieve/pkg/cluster"
	"github.com/pensieve/pensieve/pkg/gateway"
	raftpkg "github.com/pensieve/pensieve/pkg/master/raft"
	"go.uber.org/zap"
)

const applyTimeout = 10 * time.Second

// StateStore is the slice of the raft node the routing service needs.
type StateStore interface {
	GetState() *raftpkg.ClusterState
	Apply(cmd raftpkg.Command, timeout time.Duration) error
	IsLeader() bool
}

type shardEventKind int

const (
	shardEventStarted shardEventKind = iota
	shardEventFailed
)

type shardLifecycleEvent struct {
	kind  shardEventKind
	event raftpkg.ShardEvent
}

// RoutingService owns shard placement on the master. Reroutes and shard
// lifecycle events are serialized on a single goroutine; the allocator's
// caches are the only state touched from elsewhere.
type RoutingService struct {
	logger    *zap.Logger
	store     StateStore
	allocator *gateway.Allocator
	balancer  *Balancer
	deciders  cluster.Deciders

	rerouteCh chan struct{}
	eventCh   chan shardLifecycleEvent
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewRoutingService creates the routing service.
func NewRoutingService(store StateStore, allocator *gateway.Allocator, balancer *Balancer, deciders cluster.Deciders, logger *zap.Logger) *RoutingService {
	return &RoutingService{
		logger:    logger,
		store:     store,
		allocator: allocator,
		balancer:  balancer,
		deciders:  deciders,
		rerouteCh: make(chan struct{}, 1),
		eventCh:   make(chan shardLifecycleEvent, 64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the cluster-update loop.
func (rs *RoutingService) Start() {
	go rs.loop()
}

// Stop shuts the loop down and waits for it to drain.
func (rs *RoutingService) Stop() {
	close(rs.stopCh)
	<-rs.doneCh
}

// Reroute schedules a reroute pass. Multiple requests coalesce.
func (rs *RoutingService) Reroute() {
	select {
	case rs.rerouteCh <- struct{}{}:
	default:
	}
}

// ShardStarted reports that a data node finished recovering a shard copy.
func (rs *RoutingService) ShardStarted(id cluster.ShardID, nodeID string) {
	rs.enqueue(shardLifecycleEvent{kind: shardEventStarted, event: raftpkg.ShardEvent{ShardID: id, NodeID: nodeID}})
}

// ShardFailed reports that a shard copy failed on a data node.
func (rs *RoutingService) ShardFailed(id cluster.ShardID, nodeID, reason string) {
	rs.enqueue(shardLifecycleEvent{kind: shardEventFailed, event: raftpkg.ShardEvent{ShardID: id, NodeID: nodeID, Reason: reason}})
}

func (rs *RoutingService) enqueue(ev shardLifecycleEvent) {
	select {
	case rs.eventCh <- ev:
	case <-rs.stopCh:
	}
}

func (rs *RoutingService) loop() {
	defer close(rs.doneCh)
	for {
		select {
		case <-rs.stopCh:
			return
		case ev := <-rs.eventCh:
			rs.handleEvent(ev)
		case <-rs.rerouteCh:
			rs.runReroute()
		}
	}
}

func (rs *RoutingService) handleEvent(ev shardLifecycleEvent) {
	routing := []*cluster.ShardRouting{{ShardID: ev.event.ShardID, NodeID: ev.event.NodeID}}

	var cmdType raftpkg.CommandType
	switch ev.kind {
	case shardEventStarted:
		cmdType = raftpkg.CommandShardStarted
	case shardEventFailed:
		cmdType = raftpkg.CommandShardFailed
	}

	if err := rs.apply(cmdType, ev.event); err != nil {
		rs.logger.Error("Failed to apply shard lifecycle command",
			zap.String("type", string(cmdType)),
			zap.Stringer("shard", ev.event.ShardID),
			zap.Error(err))
		return
	}

	// The shard changed state; whatever the caches knew about it is stale.
	switch ev.kind {
	case shardEventStarted:
		rs.allocator.ApplyStartedShards(routing)
	case shardEventFailed:
		rs.allocator.ApplyFailedShards(routing)
	}

	rs.runReroute()
}

func (rs *RoutingService) runReroute() {
	if !rs.store.IsLeader() {
		return
	}

	state := rs.store.GetState()

	nodes := make([]*cluster.Node, 0, len(state.Nodes))
	for _, n := range state.Nodes {
		nodes = append(nodes, n)
	}

	routingNodes := cluster.NewRoutingNodes(state.Assigned(), state.Unassigned())
	alloc := cluster.NewRoutingAllocation(nodes, routingNodes, state.Indices, rs.deciders)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed, err := rs.allocator.AllocateUnassigned(ctx, alloc)
	if err != nil {
		// Fatal to this reroute only; the next trigger retries.
		rs.logger.Error("Reroute aborted", zap.Error(err))
		return
	}

	if rs.balancer.AllocateFresh(alloc) {
		changed = true
	}

	if !changed {
		return
	}

	for _, s := range routingNodes.Initializing() {
		assignment := raftpkg.ShardAssignment{
			ShardID: s.ShardID,
			Primary: s.Primary,
			NodeID:  s.NodeID,
			Version: s.Version,
		}
		if err := rs.apply(raftpkg.CommandAssignShard, assignment); err != nil {
			rs.logger.Error("Failed to publish shard assignment",
				zap.Stringer("shard", s.ShardID),
				zap.String("node", s.NodeID),
				zap.Error(err))
		}
	}
}

func (rs *RoutingService) apply(cmdType raftpkg.CommandType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return rs.store.Apply(raftpkg.Command{Type: cmdType, Payload: data}, applyTimeout)
}
