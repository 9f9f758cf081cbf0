package cluster

import "strings"

// DecisionType is the tri-state verdict of an allocation decider.
type DecisionType int

const (
	DecisionYes DecisionType = iota
	DecisionNo
	DecisionThrottle
)

func (t DecisionType) String() string {
	switch t {
	case DecisionYes:
		return "YES"
	case DecisionNo:
		return "NO"
	case DecisionThrottle:
		return "THROTTLE"
	default:
		return "UNKNOWN"
	}
}

// Decision is a verdict with a human-readable reason.
type Decision struct {
	Type   DecisionType
	Reason string
}

func Allow(reason string) Decision    { return Decision{Type: DecisionYes, Reason: reason} }
func Deny(reason string) Decision     { return Decision{Type: DecisionNo, Reason: reason} }
func Throttle(reason string) Decision { return Decision{Type: DecisionThrottle, Reason: reason} }

// Deciders votes on placing a shard copy on a node.
type Deciders interface {
	CanAllocate(shard *ShardRouting, node *Node, alloc *RoutingAllocation) Decision
}

// Decider is one named policy in a chain.
type Decider interface {
	Name() string
	CanAllocate(shard *ShardRouting, node *Node, alloc *RoutingAllocation) Decision
}

// DeciderChain combines deciders: any NO wins immediately, otherwise any
// THROTTLE wins over YES.
type DeciderChain struct {
	deciders []Decider
}

func NewDeciderChain(deciders ...Decider) *DeciderChain {
	return &DeciderChain{deciders: deciders}
}

func (c *DeciderChain) CanAllocate(shard *ShardRouting, node *Node, alloc *RoutingAllocation) Decision {
	result := Allow("allowed by all deciders")
	for _, d := range c.deciders {
		decision := d.CanAllocate(shard, node, alloc)
		switch decision.Type {
		case DecisionNo:
			return decision
		case DecisionThrottle:
			result = decision
		}
	}
	return result
}

// SameShardDecider forbids placing two copies of the same shard on one
// node.
type SameShardDecider struct{}

func (SameShardDecider) Name() string { return "same_shard" }

func (SameShardDecider) CanAllocate(shard *ShardRouting, node *Node, alloc *RoutingAllocation) Decision {
	if len(alloc.RoutingNodes().CopiesOnNode(shard.ShardID, node.ID)) > 0 {
		return Deny("a copy of this shard is already allocated to this node")
	}
	return Allow("no copy of this shard on this node")
}

// Index settings recognized by FilterDecider.
const (
	SettingRoutingInclude = "index.routing.allocation.include._id"
	SettingRoutingExclude = "index.routing.allocation.exclude._id"
)

// FilterDecider enforces the include/exclude node lists from index
// settings.
type FilterDecider struct{}

func (FilterDecider) Name() string { return "filter" }

func (FilterDecider) CanAllocate(shard *ShardRouting, node *Node, alloc *RoutingAllocation) Decision {
	im := alloc.IndexMeta(shard.ShardID.Index)
	if im == nil {
		return Allow("index has no allocation filters")
	}
	if v, ok := im.Setting(SettingRoutingExclude); ok && containsID(v, node.ID) {
		return Deny("node matches index.routing.allocation.exclude._id")
	}
	if v, ok := im.Setting(SettingRoutingInclude); ok && !containsID(v, node.ID) {
		return Deny("node does not match index.routing.allocation.include._id")
	}
	return Allow("node passes allocation filters")
}

func containsID(list, id string) bool {
	for _, v := range strings.Split(list, ",") {
		if strings.TrimSpace(v) == id {
			return true
		}
	}
	return false
}
