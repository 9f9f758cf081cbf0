package cluster

// RoutingAllocation carries everything one reroute needs: the live nodes,
// the mutable routing view, index metadata, the decider chain and the
// bookkeeping for shards and nodes excluded from this pass.
type RoutingAllocation struct {
	nodes    []*Node
	nodeByID map[string]*Node
	routing  *RoutingNodes
	indices  map[string]*IndexMeta
	deciders Deciders

	ignoredUnassigned []*ShardRouting
	ignoredShardNodes map[ShardID]map[string]struct{}
}

// NewRoutingAllocation builds the allocation context for one reroute.
func NewRoutingAllocation(nodes []*Node, routing *RoutingNodes, indices map[string]*IndexMeta, deciders Deciders) *RoutingAllocation {
	byID := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	return &RoutingAllocation{
		nodes:             nodes,
		nodeByID:          byID,
		routing:           routing,
		indices:           indices,
		deciders:          deciders,
		ignoredShardNodes: make(map[ShardID]map[string]struct{}),
	}
}

// Nodes returns every live node in the cluster.
func (a *RoutingAllocation) Nodes() []*Node { return a.nodes }

// DataNodes returns the live data-bearing nodes.
func (a *RoutingAllocation) DataNodes() []*Node {
	var out []*Node
	for _, n := range a.nodes {
		if n.Data {
			out = append(out, n)
		}
	}
	return out
}

// Node returns a live node by id, or nil.
func (a *RoutingAllocation) Node(id string) *Node { return a.nodeByID[id] }

// RoutingNodes returns the mutable routing view.
func (a *RoutingAllocation) RoutingNodes() *RoutingNodes { return a.routing }

// IndexMeta returns the metadata of an index, or nil.
func (a *RoutingAllocation) IndexMeta(name string) *IndexMeta { return a.indices[name] }

// Deciders returns the decider chain consulted for every placement.
func (a *RoutingAllocation) Deciders() Deciders { return a.deciders }

// IgnoreShardForNode excludes a node from consideration for a shard during
// this reroute, typically because an explicit allocation command targeted
// it elsewhere.
func (a *RoutingAllocation) IgnoreShardForNode(id ShardID, nodeID string) {
	m, ok := a.ignoredShardNodes[id]
	if !ok {
		m = make(map[string]struct{})
		a.ignoredShardNodes[id] = m
	}
	m[nodeID] = struct{}{}
}

// ShouldIgnoreShardForNode reports whether a node is excluded for a shard.
func (a *RoutingAllocation) ShouldIgnoreShardForNode(id ShardID, nodeID string) bool {
	m, ok := a.ignoredShardNodes[id]
	if !ok {
		return false
	}
	_, ignored := m[nodeID]
	return ignored
}

// AddIgnoredUnassigned parks a shard copy for the remainder of this
// reroute; it is returned to the unassigned list before the next one.
func (a *RoutingAllocation) AddIgnoredUnassigned(s *ShardRouting) {
	a.ignoredUnassigned = append(a.ignoredUnassigned, s)
}

// IgnoredUnassigned returns the copies parked during this reroute.
func (a *RoutingAllocation) IgnoredUnassigned() []*ShardRouting {
	return a.ignoredUnassigned
}
