package gateway

import (
	"sync"

	"github.com/pensieve/pensieve/pkg/cluster"
	"github.com/pensieve/pensieve/pkg/gateway/transport"
)

// The per-shard caches memoize the expensive list fan-outs. They are
// shared across reroutes and mutated from fan-out completion paths, so
// every map access happens under the lock; compound read-modify-write is
// serialized by the cluster-update discipline of the caller.

type nodeShardState struct {
	node *cluster.Node
	// version is the stored allocation generation; -1 means no copy on
	// disk and is cached like any other answer.
	version int64
}

type shardStateCache struct {
	mu     sync.RWMutex
	shards map[cluster.ShardID]map[string]nodeShardState
}

func newShardStateCache() *shardStateCache {
	return &shardStateCache{shards: make(map[cluster.ShardID]map[string]nodeShardState)}
}

// missingNodes purges entries of nodes no longer in the cluster and
// returns the live nodes that still need fetching.
func (c *shardStateCache) missingNodes(id cluster.ShardID, live []*cluster.Node) []*cluster.Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.shards[id]
	if !ok {
		entry = make(map[string]nodeShardState)
		c.shards[id] = entry
	}

	liveIDs := make(map[string]struct{}, len(live))
	for _, n := range live {
		liveIDs[n.ID] = struct{}{}
	}
	for nodeID := range entry {
		if _, ok := liveIDs[nodeID]; !ok {
			delete(entry, nodeID)
		}
	}

	var missing []*cluster.Node
	for _, n := range live {
		if _, ok := entry[n.ID]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

func (c *shardStateCache) insert(id cluster.ShardID, node *cluster.Node, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.shards[id]
	if !ok {
		entry = make(map[string]nodeShardState)
		c.shards[id] = entry
	}
	entry[node.ID] = nodeShardState{node: node, version: version}
}

// snapshot returns a copy of the cached map for a shard.
func (c *shardStateCache) snapshot(id cluster.ShardID) map[string]nodeShardState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]nodeShardState, len(c.shards[id]))
	for k, v := range c.shards[id] {
		out[k] = v
	}
	return out
}

func (c *shardStateCache) invalidate(id cluster.ShardID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.shards, id)
}

func (c *shardStateCache) numShards() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.shards)
}

type nodeShardStore struct {
	node *cluster.Node
	// store is nil when the node has nothing on disk for the shard.
	store *transport.StoreFilesMetadata
}

type shardStoreCache struct {
	mu     sync.RWMutex
	shards map[cluster.ShardID]map[string]nodeShardStore
}

func newShardStoreCache() *shardStoreCache {
	return &shardStoreCache{shards: make(map[cluster.ShardID]map[string]nodeShardStore)}
}

func (c *shardStoreCache) missingNodes(id cluster.ShardID, live []*cluster.Node) []*cluster.Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.shards[id]
	if !ok {
		entry = make(map[string]nodeShardStore)
		c.shards[id] = entry
	}

	liveIDs := make(map[string]struct{}, len(live))
	for _, n := range live {
		liveIDs[n.ID] = struct{}{}
	}
	for nodeID := range entry {
		if _, ok := liveIDs[nodeID]; !ok {
			delete(entry, nodeID)
		}
	}

	var missing []*cluster.Node
	for _, n := range live {
		if _, ok := entry[n.ID]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

func (c *shardStoreCache) insert(id cluster.ShardID, node *cluster.Node, store *transport.StoreFilesMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.shards[id]
	if !ok {
		entry = make(map[string]nodeShardStore)
		c.shards[id] = entry
	}
	entry[node.ID] = nodeShardStore{node: node, store: store}
}

func (c *shardStoreCache) snapshot(id cluster.ShardID) map[string]nodeShardStore {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]nodeShardStore, len(c.shards[id]))
	for k, v := range c.shards[id] {
		out[k] = v
	}
	return out
}

func (c *shardStoreCache) invalidate(id cluster.ShardID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.shards, id)
}

func (c *shardStoreCache) numShards() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.shards)
}
