package raft

import (
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/pensieve/pensieve/pkg/cluster"
	"go.uber.org/zap"
)

func applyCommand(t *testing.T, fsm *FSM, cmdType CommandType, payload interface{}) interface{} {
	t.Helper()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}

	cmdData, err := json.Marshal(Command{Type: cmdType, Payload: data})
	if err != nil {
		t.Fatalf("Failed to marshal command: %v", err)
	}

	return fsm.Apply(&raft.Log{
		Index: 1,
		Term:  1,
		Type:  raft.LogCommand,
		Data:  cmdData,
	})
}

func mustApply(t *testing.T, fsm *FSM, cmdType CommandType, payload interface{}) {
	t.Helper()
	if result := applyCommand(t, fsm, cmdType, payload); result != nil {
		if err, ok := result.(error); ok {
			t.Fatalf("Apply %s returned error: %v", cmdType, err)
		}
	}
}

func TestFSMCreateIndexLaysOutRouting(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	fsm := NewFSM(logger)

	index := &cluster.IndexMeta{
		Name:        "test-index",
		UUID:        "test-uuid-123",
		NumShards:   2,
		NumReplicas: 1,
	}
	mustApply(t, fsm, CommandCreateIndex, index)

	state := fsm.GetState()
	if _, exists := state.Indices["test-index"]; !exists {
		t.Fatal("Index was not created")
	}

	// 2 primaries + 2 replicas, all unassigned, none ever allocated.
	if len(state.Routing) != 4 {
		t.Fatalf("Expected 4 routing entries, got %d", len(state.Routing))
	}
	primaries := 0
	for _, r := range state.Routing {
		if !r.Unassigned() {
			t.Errorf("Expected unassigned copy, got state %s", r.State)
		}
		if r.PrimaryAllocatedPostAPI {
			t.Error("Fresh copies must not be marked as post-API allocated")
		}
		if r.Primary {
			primaries++
		}
	}
	if primaries != 2 {
		t.Errorf("Expected 2 primaries, got %d", primaries)
	}
}

func TestFSMCreateIndexTwiceFails(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	fsm := NewFSM(logger)

	index := &cluster.IndexMeta{Name: "dup", UUID: "u1", NumShards: 1}
	mustApply(t, fsm, CommandCreateIndex, index)

	result := applyCommand(t, fsm, CommandCreateIndex, index)
	if _, ok := result.(error); !ok {
		t.Error("Expected error when creating an existing index")
	}
}

func TestFSMDeleteIndexDropsRouting(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	fsm := NewFSM(logger)

	mustApply(t, fsm, CommandCreateIndex, &cluster.IndexMeta{Name: "a", UUID: "u1", NumShards: 2})
	mustApply(t, fsm, CommandCreateIndex, &cluster.IndexMeta{Name: "b", UUID: "u2", NumShards: 1})
	mustApply(t, fsm, CommandDeleteIndex, map[string]string{"index_name": "a"})

	state := fsm.GetState()
	if _, exists := state.Indices["a"]; exists {
		t.Error("Index a should be gone")
	}
	for _, r := range state.Routing {
		if r.ShardID.Index == "a" {
			t.Error("Routing entries of a deleted index must be removed")
		}
	}
	if len(state.Routing) != 1 {
		t.Errorf("Expected 1 routing entry left, got %d", len(state.Routing))
	}
}

func TestFSMShardLifecycle(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	fsm := NewFSM(logger)

	mustApply(t, fsm, CommandRegisterNode, &cluster.Node{ID: "node-1", Data: true})
	mustApply(t, fsm, CommandCreateIndex, &cluster.IndexMeta{Name: "idx", UUID: "u1", NumShards: 1, NumReplicas: 1})

	id := cluster.ShardID{Index: "idx", Shard: 0}
	mustApply(t, fsm, CommandAssignShard, ShardAssignment{ShardID: id, Primary: true, NodeID: "node-1", Version: 3})

	state := fsm.GetState()
	var assigned *cluster.ShardRouting
	for _, r := range state.Routing {
		if r.Primary && r.NodeID == "node-1" {
			assigned = r
		}
	}
	if assigned == nil {
		t.Fatal("Primary was not assigned")
	}
	if assigned.State != cluster.ShardInitializing {
		t.Errorf("Expected initializing, got %s", assigned.State)
	}
	if assigned.Version != 3 {
		t.Errorf("Expected version 3, got %d", assigned.Version)
	}

	mustApply(t, fsm, CommandShardStarted, ShardEvent{ShardID: id, NodeID: "node-1"})

	state = fsm.GetState()
	for _, r := range state.Routing {
		if r.NodeID == "node-1" && r.State != cluster.ShardStarted {
			t.Errorf("Expected started, got %s", r.State)
		}
		// Every copy of the shard becomes recoverable from disk once the
		// primary has been live.
		if !r.PrimaryAllocatedPostAPI {
			t.Error("Expected post-API flag on every copy after primary start")
		}
	}

	mustApply(t, fsm, CommandShardFailed, ShardEvent{ShardID: id, NodeID: "node-1", Reason: "disk error"})

	state = fsm.GetState()
	for _, r := range state.Routing {
		if r.Primary {
			if !r.Unassigned() {
				t.Errorf("Failed primary should be unassigned, got %s", r.State)
			}
			if !r.PrimaryAllocatedPostAPI {
				t.Error("Post-API flag must survive failure")
			}
		}
	}
}

func TestFSMAssignShardWithoutUnassignedCopyFails(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	fsm := NewFSM(logger)

	result := applyCommand(t, fsm, CommandAssignShard, ShardAssignment{
		ShardID: cluster.ShardID{Index: "missing", Shard: 0},
		Primary: true,
		NodeID:  "node-1",
	})
	if _, ok := result.(error); !ok {
		t.Error("Expected error assigning a shard with no unassigned copy")
	}
}

func TestFSMUnregisterNodeUnassignsShards(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	fsm := NewFSM(logger)

	mustApply(t, fsm, CommandRegisterNode, &cluster.Node{ID: "node-1", Data: true})
	mustApply(t, fsm, CommandCreateIndex, &cluster.IndexMeta{Name: "idx", UUID: "u1", NumShards: 1})

	id := cluster.ShardID{Index: "idx", Shard: 0}
	mustApply(t, fsm, CommandAssignShard, ShardAssignment{ShardID: id, Primary: true, NodeID: "node-1"})
	mustApply(t, fsm, CommandUnregisterNode, map[string]string{"node_id": "node-1"})

	state := fsm.GetState()
	if _, exists := state.Nodes["node-1"]; exists {
		t.Error("Node should be unregistered")
	}
	for _, r := range state.Routing {
		if !r.Unassigned() {
			t.Errorf("Copies on a removed node must return to unassigned, got %s", r.State)
		}
	}
}

func TestFSMBootstrapCluster(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	fsm := NewFSM(logger)

	mustApply(t, fsm, CommandBootstrapCluster, map[string]string{"cluster_uuid": "uuid-1"})
	if got := fsm.GetState().ClusterUUID; got != "uuid-1" {
		t.Errorf("Expected uuid-1, got %s", got)
	}

	// A second bootstrap must not overwrite the identity.
	mustApply(t, fsm, CommandBootstrapCluster, map[string]string{"cluster_uuid": "uuid-2"})
	if got := fsm.GetState().ClusterUUID; got != "uuid-1" {
		t.Errorf("Cluster UUID must be immutable, got %s", got)
	}
}

func TestFSMGetStateReturnsCopies(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	fsm := NewFSM(logger)

	mustApply(t, fsm, CommandCreateIndex, &cluster.IndexMeta{Name: "idx", UUID: "u1", NumShards: 1})

	state := fsm.GetState()
	state.Routing[0].NodeID = "scribbled"

	fresh := fsm.GetState()
	if fresh.Routing[0].NodeID == "scribbled" {
		t.Error("Mutating a returned state must not affect the FSM")
	}
}
