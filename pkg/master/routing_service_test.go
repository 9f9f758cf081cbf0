package master

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	hraft "github.com/hashicorp/raft"
	"github.com/pensieve/pensieve/pkg/cluster"
	"github.com/pensieve/pensieve/pkg/gateway"
	"github.com/pensieve/pensieve/pkg/gateway/transport"
	raftpkg "github.com/pensieve/pensieve/pkg/master/raft"
	"go.uber.org/zap"
)

// fakeStore drives the real FSM without a raft cluster.
type fakeStore struct {
	fsm    *raftpkg.FSM
	leader bool
}

func (f *fakeStore) GetState() *raftpkg.ClusterState { return f.fsm.GetState() }

func (f *fakeStore) IsLeader() bool { return f.leader }

func (f *fakeStore) Apply(cmd raftpkg.Command, timeout time.Duration) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if result := f.fsm.Apply(&hraft.Log{Data: data}); result != nil {
		if err, ok := result.(error); ok {
			return err
		}
	}
	return nil
}

// scriptedLister serves list calls from fixed answers.
type scriptedLister struct {
	versions map[string]int64
	stores   map[string]*transport.StoreFilesMetadata
}

func (s *scriptedLister) ListStartedShards(ctx context.Context, shard cluster.ShardID, indexUUID string, nodes []*cluster.Node, timeout time.Duration) (*transport.NodesGatewayStartedShards, error) {
	resp := &transport.NodesGatewayStartedShards{}
	for _, n := range nodes {
		version := int64(-1)
		if v, ok := s.versions[n.ID]; ok {
			version = v
		}
		resp.Responses = append(resp.Responses, transport.NodeGatewayStartedShards{Node: n, Version: version})
	}
	return resp, nil
}

func (s *scriptedLister) ListStoreMetadata(ctx context.Context, shard cluster.ShardID, nodes []*cluster.Node, timeout time.Duration) (*transport.NodesStoreFilesMetadata, error) {
	resp := &transport.NodesStoreFilesMetadata{}
	for _, n := range nodes {
		resp.Responses = append(resp.Responses, transport.NodeStoreFilesMetadata{Node: n, Store: s.stores[n.ID]})
	}
	return resp, nil
}

func newTestRoutingService(t *testing.T, lister *scriptedLister) (*RoutingService, *fakeStore) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	store := &fakeStore{fsm: raftpkg.NewFSM(logger), leader: true}
	allocator := gateway.NewAllocator(gateway.DefaultSettings(), lister, lister, nil, logger)
	deciders := cluster.NewDeciderChain(cluster.SameShardDecider{}, cluster.FilterDecider{})
	return NewRoutingService(store, allocator, NewBalancer(logger), deciders, logger), store
}

func mustApplyCmd(t *testing.T, store *fakeStore, cmdType raftpkg.CommandType, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	if err := store.Apply(raftpkg.Command{Type: cmdType, Payload: data}, time.Second); err != nil {
		t.Fatalf("Failed to apply %s: %v", cmdType, err)
	}
}

func TestRerouteAssignsFreshIndex(t *testing.T) {
	rs, store := newTestRoutingService(t, &scriptedLister{})

	mustApplyCmd(t, store, raftpkg.CommandRegisterNode, &cluster.Node{ID: "node-1", Data: true})
	mustApplyCmd(t, store, raftpkg.CommandRegisterNode, &cluster.Node{ID: "node-2", Data: true})
	mustApplyCmd(t, store, raftpkg.CommandCreateIndex, &cluster.IndexMeta{Name: "idx", UUID: "u1", NumShards: 1, NumReplicas: 1})

	rs.runReroute()

	state := store.GetState()
	var primary, replica *cluster.ShardRouting
	for _, r := range state.Routing {
		if r.Primary {
			primary = r
		} else {
			replica = r
		}
	}

	if primary == nil || primary.State != cluster.ShardInitializing {
		t.Fatalf("Fresh primary should be initializing, got %+v", primary)
	}
	if replica == nil || !replica.Unassigned() {
		t.Fatalf("Replica must wait for its primary to start, got %+v", replica)
	}
}

func TestShardStartedEventUnblocksReplica(t *testing.T) {
	rs, store := newTestRoutingService(t, &scriptedLister{})

	mustApplyCmd(t, store, raftpkg.CommandRegisterNode, &cluster.Node{ID: "node-1", Data: true})
	mustApplyCmd(t, store, raftpkg.CommandRegisterNode, &cluster.Node{ID: "node-2", Data: true})
	mustApplyCmd(t, store, raftpkg.CommandCreateIndex, &cluster.IndexMeta{Name: "idx", UUID: "u1", NumShards: 1, NumReplicas: 1})

	rs.runReroute()

	state := store.GetState()
	var primaryNode string
	for _, r := range state.Routing {
		if r.Primary {
			primaryNode = r.NodeID
		}
	}
	if primaryNode == "" {
		t.Fatal("Primary was not assigned")
	}

	id := cluster.ShardID{Index: "idx", Shard: 0}
	rs.handleEvent(shardLifecycleEvent{kind: shardEventStarted, event: raftpkg.ShardEvent{ShardID: id, NodeID: primaryNode}})

	state = store.GetState()
	var replica *cluster.ShardRouting
	for _, r := range state.Routing {
		if !r.Primary {
			replica = r
		}
	}
	if replica == nil || replica.Unassigned() {
		t.Fatalf("Replica should be placed once the primary is active, got %+v", replica)
	}
	if replica.NodeID == primaryNode {
		t.Error("Replica must not share a node with its primary")
	}
}

func TestShardFailedEventReturnsShardToUnassigned(t *testing.T) {
	rs, store := newTestRoutingService(t, &scriptedLister{versions: map[string]int64{}})

	mustApplyCmd(t, store, raftpkg.CommandRegisterNode, &cluster.Node{ID: "node-1", Data: true})
	mustApplyCmd(t, store, raftpkg.CommandCreateIndex, &cluster.IndexMeta{Name: "idx", UUID: "u1", NumShards: 1})

	rs.runReroute()
	id := cluster.ShardID{Index: "idx", Shard: 0}
	rs.handleEvent(shardLifecycleEvent{kind: shardEventStarted, event: raftpkg.ShardEvent{ShardID: id, NodeID: "node-1"}})

	// The node loses the shard. The copy has held data, so only the
	// gateway may place it again, and with no on-disk copy found it
	// waits.
	rs.handleEvent(shardLifecycleEvent{kind: shardEventFailed, event: raftpkg.ShardEvent{ShardID: id, NodeID: "node-1", Reason: "disk error"}})

	state := store.GetState()
	for _, r := range state.Routing {
		if r.Primary && !r.Unassigned() {
			t.Errorf("Failed data-bearing primary must stay unassigned, got %+v", r)
		}
	}
}

func TestRerouteSkippedOnFollower(t *testing.T) {
	rs, store := newTestRoutingService(t, &scriptedLister{})
	store.leader = false

	mustApplyCmd(t, store, raftpkg.CommandRegisterNode, &cluster.Node{ID: "node-1", Data: true})
	mustApplyCmd(t, store, raftpkg.CommandCreateIndex, &cluster.IndexMeta{Name: "idx", UUID: "u1", NumShards: 1})

	rs.runReroute()

	for _, r := range store.GetState().Routing {
		if !r.Unassigned() {
			t.Error("A follower must not allocate shards")
		}
	}
}

func TestRecoveredPrimaryGoesToNodeWithData(t *testing.T) {
	lister := &scriptedLister{versions: map[string]int64{"node-2": 7}}
	rs, store := newTestRoutingService(t, lister)

	mustApplyCmd(t, store, raftpkg.CommandRegisterNode, &cluster.Node{ID: "node-1", Data: true})
	mustApplyCmd(t, store, raftpkg.CommandRegisterNode, &cluster.Node{ID: "node-2", Data: true})
	mustApplyCmd(t, store, raftpkg.CommandCreateIndex, &cluster.IndexMeta{
		Name: "idx", UUID: "u1", NumShards: 1,
		Settings: map[string]string{gateway.IndexSettingInitialShards: "one"},
	})

	// Bring the shard through a full lifecycle so it counts as data-
	// bearing, then fail it.
	id := cluster.ShardID{Index: "idx", Shard: 0}
	mustApplyCmd(t, store, raftpkg.CommandAssignShard, raftpkg.ShardAssignment{ShardID: id, Primary: true, NodeID: "node-1", Version: 7})
	mustApplyCmd(t, store, raftpkg.CommandShardStarted, raftpkg.ShardEvent{ShardID: id, NodeID: "node-1"})
	rs.handleEvent(shardLifecycleEvent{kind: shardEventFailed, event: raftpkg.ShardEvent{ShardID: id, NodeID: "node-1", Reason: "node crashed"}})

	state := store.GetState()
	for _, r := range state.Routing {
		if !r.Primary {
			continue
		}
		if r.NodeID != "node-2" {
			t.Errorf("Recovery must target the node holding the copy, got %q", r.NodeID)
		}
		if r.Version != 7 {
			t.Errorf("Expected stamped version 7, got %d", r.Version)
		}
	}
}
