package transport

import (
	"fmt"

	"github.com/pensieve/pensieve/pkg/cluster"
)

// StoreFileMetadata identifies one file in a shard store.
type StoreFileMetadata struct {
	Name     string `json:"name"`
	Length   int64  `json:"length"`
	Checksum string `json:"checksum"`
}

// IsSame reports whether two files hold identical bytes: same length and
// same non-empty checksum.
func (m StoreFileMetadata) IsSame(other StoreFileMetadata) bool {
	return m.Length == other.Length && m.Checksum != "" && m.Checksum == other.Checksum
}

// StoreFilesMetadata describes the on-disk store a node holds for a shard.
type StoreFilesMetadata struct {
	// Allocated is true when the node currently hosts a live copy of the
	// shard, which disqualifies it as a recovery target.
	Allocated bool `json:"allocated"`
	// SyncID is the commit marker; two stores sharing it hold identical
	// segments.
	SyncID string              `json:"sync_id,omitempty"`
	Files  []StoreFileMetadata `json:"files,omitempty"`
}

// File returns the entry for a file name, if present.
func (s *StoreFilesMetadata) File(name string) (StoreFileMetadata, bool) {
	for _, f := range s.Files {
		if f.Name == name {
			return f, true
		}
	}
	return StoreFileMetadata{}, false
}

// TotalSizeMatched sums the lengths of the files of this store that exist
// byte-identically in the primary store.
func (s *StoreFilesMetadata) TotalSizeMatched(primary *StoreFilesMetadata) int64 {
	var total int64
	for _, f := range s.Files {
		if pf, ok := primary.File(f.Name); ok && f.IsSame(pf) {
			total += f.Length
		}
	}
	return total
}

// FailedNodeError records a per-node fan-out failure.
type FailedNodeError struct {
	NodeID string
	Err    error
}

func (e FailedNodeError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.NodeID, e.Err)
}

func (e FailedNodeError) Unwrap() error { return e.Err }

// NodeGatewayStartedShards is one node's answer to a started-shards list:
// the stored allocation version, -1 when the node holds no copy on disk.
type NodeGatewayStartedShards struct {
	Node    *cluster.Node
	Version int64
}

// NodesGatewayStartedShards is the aggregated result of a started-shards
// fan-out. Partial failure is a valid result.
type NodesGatewayStartedShards struct {
	Responses []NodeGatewayStartedShards
	Failures  []FailedNodeError
}

// NodeStoreFilesMetadata is one node's answer to a store-metadata list.
// A nil Store means the node has nothing on disk for the shard.
type NodeStoreFilesMetadata struct {
	Node  *cluster.Node
	Store *StoreFilesMetadata
}

// NodesStoreFilesMetadata is the aggregated result of a store-metadata
// fan-out.
type NodesStoreFilesMetadata struct {
	Responses []NodeStoreFilesMetadata
	Failures  []FailedNodeError
}
