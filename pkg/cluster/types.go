package cluster

import (
	"fmt"
	"strconv"
	"strings"
)

// ShardID identifies a single shard of an index. Two ShardIDs are equal
// when both the index name and the shard number match.
type ShardID struct {
	Index string `json:"index"`
	Shard int32  `json:"shard"`
}

func (s ShardID) String() string {
	return fmt.Sprintf("[%s][%d]", s.Index, s.Shard)
}

// Node describes a cluster node. Only nodes with Data set participate in
// shard allocation.
type Node struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Addr string `json:"addr"`
	Data bool   `json:"data"`
}

// ShardState tracks the lifecycle of a shard copy on a node.
type ShardState string

const (
	ShardUnassigned   ShardState = "unassigned"
	ShardInitializing ShardState = "initializing"
	ShardStarted      ShardState = "started"
)

// RestoreSource marks a shard that will be recovered from a snapshot
// repository rather than from on-disk copies.
type RestoreSource struct {
	Repository string `json:"repository"`
	Snapshot   string `json:"snapshot"`
}

// ShardRouting is one copy of a shard and its current placement.
type ShardRouting struct {
	ShardID ShardID    `json:"shard_id"`
	Primary bool       `json:"primary"`
	NodeID  string     `json:"node_id,omitempty"`
	State   ShardState `json:"state"`
	// Version is the on-disk allocation generation stamped when a primary
	// is placed on the node holding the freshest copy.
	Version       int64          `json:"version"`
	RestoreSource *RestoreSource `json:"restore_source,omitempty"`
	// PrimaryAllocatedPostAPI is true once any primary copy of this shard
	// has been live in the cluster. Shards that never held data cannot be
	// recovered from existing on-disk state.
	PrimaryAllocatedPostAPI bool `json:"primary_allocated_post_api"`
}

func (s *ShardRouting) Unassigned() bool { return s.State == ShardUnassigned }
func (s *ShardRouting) Active() bool     { return s.State == ShardStarted }

// IndexMeta stores per-index metadata.
type IndexMeta struct {
	Name        string            `json:"name"`
	UUID        string            `json:"uuid"`
	NumShards   int32             `json:"num_shards"`
	NumReplicas int32             `json:"num_replicas"`
	Settings    map[string]string `json:"settings,omitempty"`
}

// Setting returns the raw value of an index setting.
func (im *IndexMeta) Setting(key string) (string, bool) {
	if im.Settings == nil {
		return "", false
	}
	v, ok := im.Settings[key]
	return v, ok
}

// BoolSetting parses an index setting as a boolean, false when unset or
// unparseable.
func (im *IndexMeta) BoolSetting(key string) bool {
	v, ok := im.Setting(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
