package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/pensieve/pensieve/pkg/cluster"
	"go.uber.org/zap"
)

// CommandType represents the type of command
type CommandType string

const (
	// Index commands
	CommandCreateIndex CommandType = "create_index"
	CommandDeleteIndex CommandType = "delete_index"

	// Node commands
	CommandRegisterNode   CommandType = "register_node"
	CommandUnregisterNode CommandType = "unregister_node"

	// Shard commands
	CommandAssignShard  CommandType = "assign_shard"
	CommandShardStarted CommandType = "shard_started"
	CommandShardFailed  CommandType = "shard_failed"

	// Cluster commands
	CommandBootstrapCluster CommandType = "bootstrap_cluster"
)

// Command represents a state change command
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClusterState represents the entire cluster state
type ClusterState struct {
	Version     int64                        `json:"version"`
	ClusterUUID string                       `json:"cluster_uuid"`
	Indices     map[string]*cluster.IndexMeta `json:"indices"`
	Nodes       map[string]*cluster.Node      `json:"nodes"`
	// Routing holds every shard copy, assigned or not.
	Routing []*cluster.ShardRouting `json:"routing"`
}

// Unassigned returns the copies currently without a node.
func (s *ClusterState) Unassigned() []*cluster.ShardRouting {
	var out []*cluster.ShardRouting
	for _, r := range s.Routing {
		if r.Unassigned() {
			out = append(out, r)
		}
	}
	return out
}

// Assigned returns the copies currently placed on a node.
func (s *ClusterState) Assigned() []*cluster.ShardRouting {
	var out []*cluster.ShardRouting
	for _, r := range s.Routing {
		if !r.Unassigned() {
			out = append(out, r)
		}
	}
	return out
}

// ShardAssignment is the payload of assign_shard.
type ShardAssignment struct {
	ShardID cluster.ShardID `json:"shard_id"`
	Primary bool            `json:"primary"`
	NodeID  string          `json:"node_id"`
	Version int64           `json:"version"`
}

// ShardEvent is the payload of shard_started and shard_failed.
type ShardEvent struct {
	ShardID cluster.ShardID `json:"shard_id"`
	NodeID  string          `json:"node_id"`
	Reason  string          `json:"reason,omitempty"`
}

// FSM (Finite State Machine) implements raft.FSM interface
type FSM struct {
	mu     sync.RWMutex
	state  *ClusterState
	logger *zap.Logger
}

// NewFSM creates a new FSM
func NewFSM(logger *zap.Logger) *FSM {
	return &FSM{
		state: &ClusterState{
			Version: 0,
			Indices: make(map[string]*cluster.IndexMeta),
			Nodes:   make(map[string]*cluster.Node),
		},
		logger: logger,
	}
}

// Apply applies a Raft log entry to the FSM
func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		f.logger.Error("Failed to unmarshal command", zap.Error(err))
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.state.Version++

	switch cmd.Type {
	case CommandCreateIndex:
		return f.applyCreateIndex(cmd.Payload)
	case CommandDeleteIndex:
		return f.applyDeleteIndex(cmd.Payload)
	case CommandRegisterNode:
		return f.applyRegisterNode(cmd.Payload)
	case CommandUnregisterNode:
		return f.applyUnregisterNode(cmd.Payload)
	case CommandAssignShard:
		return f.applyAssignShard(cmd.Payload)
	case CommandShardStarted:
		return f.applyShardStarted(cmd.Payload)
	case CommandShardFailed:
		return f.applyShardFailed(cmd.Payload)
	case CommandBootstrapCluster:
		return f.applyBootstrapCluster(cmd.Payload)
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

// Snapshot returns a snapshot of the FSM
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return &fsmSnapshot{state: f.copyState()}, nil
}

// Restore restores the FSM from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state ClusterState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if state.Indices == nil {
		state.Indices = make(map[string]*cluster.IndexMeta)
	}
	if state.Nodes == nil {
		state.Nodes = make(map[string]*cluster.Node)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.state = &state
	f.logger.Info("Restored FSM from snapshot", zap.Int64("version", state.Version))

	return nil
}

// GetState returns a copy of the current state. Shard copies are cloned so
// callers (the reroute in particular) can mutate them freely.
func (f *FSM) GetState() *ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.copyState()
}

func (f *FSM) copyState() *ClusterState {
	stateCopy := &ClusterState{
		Version:     f.state.Version,
		ClusterUUID: f.state.ClusterUUID,
		Indices:     make(map[string]*cluster.IndexMeta),
		Nodes:       make(map[string]*cluster.Node),
		Routing:     make([]*cluster.ShardRouting, 0, len(f.state.Routing)),
	}

	for k, v := range f.state.Indices {
		stateCopy.Indices[k] = v
	}
	for k, v := range f.state.Nodes {
		stateCopy.Nodes[k] = v
	}
	for _, r := range f.state.Routing {
		clone := *r
		stateCopy.Routing = append(stateCopy.Routing, &clone)
	}

	return stateCopy
}

// Command application methods

func (f *FSM) applyCreateIndex(payload json.RawMessage) error {
	var index cluster.IndexMeta
	if err := json.Unmarshal(payload, &index); err != nil {
		return fmt.Errorf("failed to unmarshal index: %w", err)
	}

	if _, exists := f.state.Indices[index.Name]; exists {
		return fmt.Errorf("index %s already exists", index.Name)
	}

	f.state.Indices[index.Name] = &index

	// Lay out the routing table: every copy starts unassigned. The copies
	// have never held data, so they stay out of gateway recovery until a
	// primary starts somewhere.
	for shard := int32(0); shard < index.NumShards; shard++ {
		id := cluster.ShardID{Index: index.Name, Shard: shard}
		f.state.Routing = append(f.state.Routing, &cluster.ShardRouting{
			ShardID: id,
			Primary: true,
			State:   cluster.ShardUnassigned,
			Version: -1,
		})
		for replica := int32(0); replica < index.NumReplicas; replica++ {
			f.state.Routing = append(f.state.Routing, &cluster.ShardRouting{
				ShardID: id,
				Primary: false,
				State:   cluster.ShardUnassigned,
				Version: -1,
			})
		}
	}

	f.logger.Info("Created index",
		zap.String("index", index.Name),
		zap.Int32("shards", index.NumShards),
		zap.Int32("replicas", index.NumReplicas))

	return nil
}

func (f *FSM) applyDeleteIndex(payload json.RawMessage) error {
	var req struct {
		IndexName string `json:"index_name"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("failed to unmarshal request: %w", err)
	}

	delete(f.state.Indices, req.IndexName)

	kept := f.state.Routing[:0]
	for _, r := range f.state.Routing {
		if r.ShardID.Index != req.IndexName {
			kept = append(kept, r)
		}
	}
	f.state.Routing = kept

	f.logger.Info("Deleted index", zap.String("index", req.IndexName))

	return nil
}

func (f *FSM) applyRegisterNode(payload json.RawMessage) error {
	var node cluster.Node
	if err := json.Unmarshal(payload, &node); err != nil {
		return fmt.Errorf("failed to unmarshal node: %w", err)
	}

	f.state.Nodes[node.ID] = &node
	f.logger.Info("Registered node",
		zap.String("node_id", node.ID),
		zap.Bool("data", node.Data))

	return nil
}

func (f *FSM) applyUnregisterNode(payload json.RawMessage) error {
	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("failed to unmarshal request: %w", err)
	}

	delete(f.state.Nodes, req.NodeID)

	// Copies hosted by the departed node go back to unassigned.
	for _, r := range f.state.Routing {
		if r.NodeID == req.NodeID {
			r.NodeID = ""
			r.State = cluster.ShardUnassigned
		}
	}

	f.logger.Info("Unregistered node", zap.String("node_id", req.NodeID))

	return nil
}

func (f *FSM) applyAssignShard(payload json.RawMessage) error {
	var assignment ShardAssignment
	if err := json.Unmarshal(payload, &assignment); err != nil {
		return fmt.Errorf("failed to unmarshal assignment: %w", err)
	}

	for _, r := range f.state.Routing {
		if r.ShardID == assignment.ShardID && r.Primary == assignment.Primary && r.Unassigned() {
			r.NodeID = assignment.NodeID
			r.State = cluster.ShardInitializing
			r.Version = assignment.Version
			f.logger.Info("Assigned shard",
				zap.Stringer("shard", assignment.ShardID),
				zap.Bool("primary", assignment.Primary),
				zap.String("node", assignment.NodeID))
			return nil
		}
	}

	return fmt.Errorf("no unassigned copy of %s (primary=%v)", assignment.ShardID, assignment.Primary)
}

func (f *FSM) applyShardStarted(payload json.RawMessage) error {
	var event ShardEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("failed to unmarshal shard event: %w", err)
	}

	for _, r := range f.state.Routing {
		if r.ShardID == event.ShardID && r.NodeID == event.NodeID && r.State == cluster.ShardInitializing {
			r.State = cluster.ShardStarted
			if r.Primary {
				// The shard has now held live data; from here on gateway
				// recovery is responsible for its copies.
				for _, other := range f.state.Routing {
					if other.ShardID == event.ShardID {
						other.PrimaryAllocatedPostAPI = true
					}
				}
			}
			f.logger.Info("Shard started",
				zap.Stringer("shard", event.ShardID),
				zap.String("node", event.NodeID))
			return nil
		}
	}

	return fmt.Errorf("no initializing copy of %s on node %s", event.ShardID, event.NodeID)
}

func (f *FSM) applyShardFailed(payload json.RawMessage) error {
	var event ShardEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("failed to unmarshal shard event: %w", err)
	}

	for _, r := range f.state.Routing {
		if r.ShardID == event.ShardID && r.NodeID == event.NodeID && !r.Unassigned() {
			r.NodeID = ""
			r.State = cluster.ShardUnassigned
			f.logger.Warn("Shard failed",
				zap.Stringer("shard", event.ShardID),
				zap.String("node", event.NodeID),
				zap.String("reason", event.Reason))
			return nil
		}
	}

	return fmt.Errorf("no copy of %s on node %s", event.ShardID, event.NodeID)
}

func (f *FSM) applyBootstrapCluster(payload json.RawMessage) error {
	var req struct {
		ClusterUUID string `json:"cluster_uuid"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("failed to unmarshal request: %w", err)
	}

	if f.state.ClusterUUID != "" {
		return nil
	}
	f.state.ClusterUUID = req.ClusterUUID
	f.logger.Info("Initialized cluster", zap.String("cluster_uuid", req.ClusterUUID))

	return nil
}

// fsmSnapshot implements raft.FSMSnapshot
type fsmSnapshot struct {
	state *ClusterState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		data, err := json.Marshal(s.state)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}

		if _, err := sink.Write(data); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}

		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
		return err
	}

	return nil
}

func (s *fsmSnapshot) Release() {}
