package master

import (
	"github.com/pensieve/pensieve/pkg/cluster"
	"go.uber.org/zap"
)

// Balancer places the shard copies the gateway allocator does not: fresh
// primaries that never held data, and replicas with no reusable store
// anywhere. A primary that has held data is never placed here; recovering
// it from an empty disk would lose it. Replicas are safe, they rebuild
// from their primary.
type Balancer struct {
	logger *zap.Logger
}

// NewBalancer creates a balancer.
func NewBalancer(logger *zap.Logger) *Balancer {
	return &Balancer{logger: logger}
}

// AllocateFresh assigns never-allocated primaries first, then any
// unassigned replica whose primary is active. Returns whether any
// assignment was made.
func (b *Balancer) AllocateFresh(alloc *cluster.RoutingAllocation) bool {
	changed := false

	iter := alloc.RoutingNodes().UnassignedIter()
	for s := iter.Next(); s != nil; s = iter.Next() {
		if !s.Primary || s.PrimaryAllocatedPostAPI || s.RestoreSource != nil {
			continue
		}
		if b.assign(s, alloc) {
			iter.Remove()
			changed = true
		}
	}

	iter = alloc.RoutingNodes().UnassignedIter()
	for s := iter.Next(); s != nil; s = iter.Next() {
		if s.Primary {
			continue
		}
		// A replica initializes by copying from its primary.
		if alloc.RoutingNodes().ActivePrimary(s.ShardID) == nil {
			continue
		}
		if b.assign(s, alloc) {
			iter.Remove()
			changed = true
		}
	}

	return changed
}

func (b *Balancer) assign(s *cluster.ShardRouting, alloc *cluster.RoutingAllocation) bool {
	node := b.leastLoadedNode(s, alloc)
	if node == nil {
		return false
	}
	b.logger.Debug("Allocating fresh shard copy",
		zap.Stringer("shard", s.ShardID),
		zap.Bool("primary", s.Primary),
		zap.String("node", node.ID))
	alloc.RoutingNodes().Assign(s, node.ID)
	return true
}

func (b *Balancer) leastLoadedNode(s *cluster.ShardRouting, alloc *cluster.RoutingAllocation) *cluster.Node {
	var best *cluster.Node
	bestCount := 0
	for _, n := range alloc.DataNodes() {
		if alloc.Deciders().CanAllocate(s, n, alloc).Type != cluster.DecisionYes {
			continue
		}
		count := len(alloc.RoutingNodes().ShardsOnNode(n.ID))
		if best == nil || count < bestCount {
			best = n
			bestCount = count
		}
	}
	return best
}
