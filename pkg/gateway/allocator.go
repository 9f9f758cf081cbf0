package gateway

import (
	"context"
	"time"

	"github.com/pensieve/pensieve/pkg/cluster"
	"github.com/pensieve/pensieve/pkg/common/metrics"
	"github.com/pensieve/pensieve/pkg/gateway/transport"
	"go.uber.org/zap"
)

// StartedShardsLister lists, per node, the on-disk allocation version held
// for a shard.
type StartedShardsLister interface {
	ListStartedShards(ctx context.Context, shard cluster.ShardID, indexUUID string, nodes []*cluster.Node, timeout time.Duration) (*transport.NodesGatewayStartedShards, error)
}

// ShardStoresLister lists, per node, the store file metadata held for a
// shard.
type ShardStoresLister interface {
	ListStoreMetadata(ctx context.Context, shard cluster.ShardID, nodes []*cluster.Node, timeout time.Duration) (*transport.NodesStoreFilesMetadata, error)
}

// Allocator places unassigned shard copies on data nodes during a
// reroute: primaries on the node holding the freshest on-disk copy under
// the configured quorum rule, replicas near reusable store data. The per-
// shard fan-out results are cached between reroutes and invalidated by
// shard lifecycle events.
type Allocator struct {
	logger   *zap.Logger
	settings Settings
	metrics  *metrics.Collector

	startedLister StartedShardsLister
	storesLister  ShardStoresLister

	stateCache *shardStateCache
	storeCache *shardStoreCache
}

// NewAllocator creates a gateway allocator. The metrics collector may be
// nil.
func NewAllocator(settings Settings, started StartedShardsLister, stores ShardStoresLister, collector *metrics.Collector, logger *zap.Logger) *Allocator {
	return &Allocator{
		logger:        logger,
		settings:      settings,
		metrics:       collector,
		startedLister: started,
		storesLister:  stores,
		stateCache:    newShardStateCache(),
		storeCache:    newShardStoreCache(),
	}
}

// ApplyStartedShards drops the cached fan-out results of shards that just
// started; the next reroute refetches them.
func (a *Allocator) ApplyStartedShards(shards []*cluster.ShardRouting) {
	for _, s := range shards {
		a.invalidate(s.ShardID)
	}
}

// ApplyFailedShards drops the cached fan-out results of shards that just
// failed.
func (a *Allocator) ApplyFailedShards(shards []*cluster.ShardRouting) {
	for _, s := range shards {
		a.invalidate(s.ShardID)
	}
}

func (a *Allocator) invalidate(id cluster.ShardID) {
	a.stateCache.invalidate(id)
	a.storeCache.invalidate(id)
	a.metrics.SetCacheShards("state", a.stateCache.numShards())
	a.metrics.SetCacheShards("store", a.storeCache.numShards())
}

// allocation outcome of a single shard copy within one reroute.
type outcome int

const (
	// outcomeAssigned: the copy was placed on a node.
	outcomeAssigned outcome = iota
	// outcomeIgnored: the copy is parked until the next reroute.
	outcomeIgnored
	// outcomeDeferred: the copy stays on the unassigned list and is
	// reconsidered later this reroute or on the next one.
	outcomeDeferred
)

// AllocateUnassigned attempts to place as many unassigned shard copies as
// possible, primaries first, then replicas. It reports whether the routing
// changed. An error means the fan-out transport itself failed and this
// reroute is aborted; assignments already made remain in the allocation.
func (a *Allocator) AllocateUnassigned(ctx context.Context, alloc *cluster.RoutingAllocation) (bool, error) {
	start := time.Now()
	defer func() { a.metrics.RecordReroute(time.Since(start)) }()

	changed := false

	iter := alloc.RoutingNodes().UnassignedIter()
	for s := iter.Next(); s != nil; s = iter.Next() {
		if !s.Primary {
			continue
		}
		// A primary that never held data cannot be recovered from disk.
		if !s.PrimaryAllocatedPostAPI {
			continue
		}
		result, err := a.allocatePrimary(ctx, s, alloc)
		if err != nil {
			return changed, err
		}
		switch result {
		case outcomeAssigned:
			iter.Remove()
			changed = true
		case outcomeIgnored:
			iter.Remove()
			alloc.AddIgnoredUnassigned(s)
		}
	}

	iter = alloc.RoutingNodes().UnassignedIter()
	for s := iter.Next(); s != nil; s = iter.Next() {
		if s.Primary {
			continue
		}
		result, err := a.allocateReplica(ctx, s, alloc)
		if err != nil {
			return changed, err
		}
		switch result {
		case outcomeAssigned:
			iter.Remove()
			changed = true
		case outcomeIgnored:
			iter.Remove()
			alloc.AddIgnoredUnassigned(s)
		}
	}

	return changed, nil
}

// fetchStartedShards returns the complete node -> version map for a shard,
// fanning out only to live data nodes not already cached.
func (a *Allocator) fetchStartedShards(ctx context.Context, shard cluster.ShardID, im *cluster.IndexMeta, nodes []*cluster.Node) (map[string]nodeShardState, error) {
	missing := a.stateCache.missingNodes(shard, nodes)
	if len(missing) > 0 {
		start := time.Now()
		resp, err := a.startedLister.ListStartedShards(ctx, shard, im.UUID, missing, a.settings.ListTimeout)
		if err != nil {
			return nil, err
		}
		a.metrics.RecordFanOut("started_shards", len(resp.Failures), time.Since(start))
		a.logFailures(shard, resp.Failures)
		for _, r := range resp.Responses {
			a.stateCache.insert(shard, r.Node, r.Version)
		}
		a.metrics.SetCacheShards("state", a.stateCache.numShards())
	}
	return a.stateCache.snapshot(shard), nil
}

// fetchShardStores returns the node -> store metadata map for a shard.
// Failed nodes are not inserted, so the next reroute retries them.
func (a *Allocator) fetchShardStores(ctx context.Context, shard cluster.ShardID, nodes []*cluster.Node) (map[string]nodeShardStore, error) {
	missing := a.storeCache.missingNodes(shard, nodes)
	if len(missing) > 0 {
		start := time.Now()
		resp, err := a.storesLister.ListStoreMetadata(ctx, shard, missing, a.settings.ListTimeout)
		if err != nil {
			return nil, err
		}
		a.metrics.RecordFanOut("store_metadata", len(resp.Failures), time.Since(start))
		a.logFailures(shard, resp.Failures)
		for _, r := range resp.Responses {
			a.storeCache.insert(shard, r.Node, r.Store)
		}
		a.metrics.SetCacheShards("store", a.storeCache.numShards())
	}
	return a.storeCache.snapshot(shard), nil
}

// logFailures logs per-node fan-out failures. Unreachable nodes are
// expected churn and stay at debug.
func (a *Allocator) logFailures(shard cluster.ShardID, failures []transport.FailedNodeError) {
	for _, f := range failures {
		if transport.IsNodeUnreachable(f.Err) {
			a.logger.Debug("Node unreachable during list fan-out",
				zap.Stringer("shard", shard),
				zap.String("node", f.NodeID),
				zap.Error(f.Err))
			continue
		}
		a.logger.Warn("List fan-out failed on node",
			zap.Stringer("shard", shard),
			zap.String("node", f.NodeID),
			zap.Error(f.Err))
	}
}
