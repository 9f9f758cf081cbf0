package gateway

import (
	"context"
	"sort"

	"github.com/pensieve/pensieve/pkg/cluster"
	"github.com/pensieve/pensieve/pkg/common/metrics"
	"go.uber.org/zap"
)

// allocatePrimary places one unassigned primary on the node holding the
// freshest on-disk copy, gated by the resolved initial_shards quorum.
func (a *Allocator) allocatePrimary(ctx context.Context, s *cluster.ShardRouting, alloc *cluster.RoutingAllocation) (outcome, error) {
	im := alloc.IndexMeta(s.ShardID.Index)
	if im == nil {
		a.logger.Warn("No metadata for index of unassigned primary", zap.Stringer("shard", s.ShardID))
		return outcomeDeferred, nil
	}

	states, err := a.fetchStartedShards(ctx, s.ShardID, im, alloc.DataNodes())
	if err != nil {
		return outcomeDeferred, err
	}

	// On a shared filesystem any node can recover the shard; the reported
	// versions do not decide candidacy, but the highest one is still logged
	// and stamped on the assigned copy.
	sharedFS := im.BoolSetting(IndexSettingSharedFS) && im.BoolSetting(IndexSettingRecoverOnAnyNode)

	var highestVersion int64 = -1
	var candidates []nodeShardState
	found := 0
	for _, state := range states {
		if alloc.ShouldIgnoreShardForNode(s.ShardID, state.node.ID) {
			continue
		}
		if sharedFS {
			candidates = append(candidates, state)
			if state.version > highestVersion {
				highestVersion = state.version
			}
			continue
		}
		if state.version == -1 {
			continue
		}
		found++
		if state.version > highestVersion {
			highestVersion = state.version
			candidates = candidates[:0]
		}
		if state.version == highestVersion {
			candidates = append(candidates, state)
		}
	}
	if sharedFS {
		found = len(candidates)
	}

	// The quorum gate applies only when recovering from on-disk copies; a
	// restore source is authoritative on its own.
	if s.RestoreSource == nil {
		required := a.resolveInitialShards(im).required(int(im.NumReplicas))
		if found < required {
			a.logger.Debug("Not enough on-disk copies found for primary, waiting",
				zap.Stringer("shard", s.ShardID),
				zap.Int("found", found),
				zap.Int("required", required))
			a.metrics.RecordAllocation(metrics.OutcomeDeferred, true)
			return outcomeIgnored, nil
		}
	}

	// Stable order by version; tie order among equal versions follows map
	// iteration and is deliberately unspecified.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].version > candidates[j].version
	})

	var throttled, denied []*cluster.Node
	for _, c := range candidates {
		decision := alloc.Deciders().CanAllocate(s, c.node, alloc)
		switch decision.Type {
		case cluster.DecisionYes:
			a.logger.Debug("Allocating primary to node with freshest copy",
				zap.Stringer("shard", s.ShardID),
				zap.String("node", c.node.ID),
				zap.Int64("version", highestVersion))
			s.Version = highestVersion
			alloc.RoutingNodes().Assign(s, c.node.ID)
			a.metrics.RecordAllocation(metrics.OutcomeAssigned, true)
			return outcomeAssigned, nil
		case cluster.DecisionThrottle:
			throttled = append(throttled, c.node)
		default:
			denied = append(denied, c.node)
		}
	}

	if len(throttled) > 0 {
		a.logger.Debug("Primary allocation throttled",
			zap.Stringer("shard", s.ShardID),
			zap.Int("throttled_nodes", len(throttled)))
		a.metrics.RecordAllocation(metrics.OutcomeThrottled, true)
		return outcomeIgnored, nil
	}

	// The primary copy is the authoritative data; leaving it unallocated
	// because every decider said no risks losing it, so the deciders are
	// overridden here.
	if len(denied) > 0 {
		node := denied[0]
		a.logger.Info("Forcing primary allocation against decider verdicts",
			zap.Stringer("shard", s.ShardID),
			zap.String("node", node.ID),
			zap.Int64("version", highestVersion))
		s.Version = highestVersion
		alloc.RoutingNodes().Assign(s, node.ID)
		a.metrics.RecordAllocation(metrics.OutcomeForced, true)
		return outcomeAssigned, nil
	}

	a.metrics.RecordAllocation(metrics.OutcomeDeferred, true)
	return outcomeDeferred, nil
}
