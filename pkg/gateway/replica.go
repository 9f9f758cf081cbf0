package gateway

import (
	"context"
	"math"

	"github.com/pensieve/pensieve/pkg/cluster"
	"github.com/pensieve/pensieve/pkg/common/metrics"
	"go.uber.org/zap"
)

// allocateReplica places one unassigned replica on the node whose on-disk
// store overlaps the primary's the most, so recovery copies as little as
// possible.
func (a *Allocator) allocateReplica(ctx context.Context, s *cluster.ShardRouting, alloc *cluster.RoutingAllocation) (outcome, error) {
	// The store fan-out is expensive; skip it entirely when no node could
	// take the replica anyway.
	canAllocateSomewhere := false
	for _, node := range alloc.DataNodes() {
		if alloc.Deciders().CanAllocate(s, node, alloc).Type == cluster.DecisionYes {
			canAllocateSomewhere = true
			break
		}
	}
	if !canAllocateSomewhere {
		a.metrics.RecordAllocation(metrics.OutcomeDeferred, false)
		return outcomeDeferred, nil
	}

	stores, err := a.fetchShardStores(ctx, s.ShardID, alloc.DataNodes())
	if err != nil {
		return outcomeDeferred, err
	}
	if len(stores) == 0 {
		a.metrics.RecordAllocation(metrics.OutcomeDeferred, false)
		return outcomeDeferred, nil
	}

	primary := alloc.RoutingNodes().ActivePrimary(s.ShardID)
	if primary == nil {
		// Without an active primary there is no store to match against.
		a.metrics.RecordAllocation(metrics.OutcomeDeferred, false)
		return outcomeDeferred, nil
	}
	primaryEntry, ok := stores[primary.NodeID]
	if !ok || primaryEntry.store == nil {
		a.logger.Debug("No store metadata for active primary, cannot match replica",
			zap.Stringer("shard", s.ShardID),
			zap.String("primary_node", primary.NodeID))
		a.metrics.RecordAllocation(metrics.OutcomeDeferred, false)
		return outcomeDeferred, nil
	}
	primaryStore := primaryEntry.store

	var bestNode *cluster.Node
	var bestMatched int64
	for _, entry := range stores {
		if entry.store == nil {
			continue
		}
		if entry.store.Allocated {
			continue
		}
		if alloc.Deciders().CanAllocate(s, entry.node, alloc).Type == cluster.DecisionNo {
			continue
		}

		var matched int64
		if primaryStore.SyncID != "" && primaryStore.SyncID == entry.store.SyncID {
			// Identical sync ids prove identical segments; nothing needs
			// copying.
			matched = math.MaxInt64
		} else {
			matched = entry.store.TotalSizeMatched(primaryStore)
		}

		if matched > bestMatched {
			bestMatched = matched
			bestNode = entry.node
		}
	}

	if bestNode == nil {
		a.metrics.RecordAllocation(metrics.OutcomeDeferred, false)
		return outcomeDeferred, nil
	}

	decision := alloc.Deciders().CanAllocate(s, bestNode, alloc)
	if decision.Type == cluster.DecisionThrottle {
		a.logger.Debug("Replica allocation throttled on best matching node",
			zap.Stringer("shard", s.ShardID),
			zap.String("node", bestNode.ID),
			zap.Int64("size_matched", bestMatched))
		a.metrics.RecordAllocation(metrics.OutcomeThrottled, false)
		return outcomeIgnored, nil
	}

	a.logger.Debug("Allocating replica to node with best matching store",
		zap.Stringer("shard", s.ShardID),
		zap.String("node", bestNode.ID),
		zap.Int64("size_matched", bestMatched))
	alloc.RoutingNodes().Assign(s, bestNode.ID)
	a.metrics.RecordAllocation(metrics.OutcomeAssigned, false)
	return outcomeAssigned, nil
}
