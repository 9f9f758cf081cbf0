package cluster

// RoutingNodes is the mutable view of shard placement a reroute works on:
// the currently assigned copies plus the unassigned list.
type RoutingNodes struct {
	assigned     []*ShardRouting
	unassigned   []*ShardRouting
	initializing []*ShardRouting
}

// NewRoutingNodes builds a RoutingNodes from the assigned and unassigned
// shard copies of the current cluster state.
func NewRoutingNodes(assigned, unassigned []*ShardRouting) *RoutingNodes {
	return &RoutingNodes{
		assigned:   assigned,
		unassigned: unassigned,
	}
}

// Unassigned returns the current unassigned list.
func (rn *RoutingNodes) Unassigned() []*ShardRouting {
	return rn.unassigned
}

// AddUnassigned puts a shard copy back onto the unassigned list.
func (rn *RoutingNodes) AddUnassigned(s *ShardRouting) {
	s.NodeID = ""
	s.State = ShardUnassigned
	rn.unassigned = append(rn.unassigned, s)
}

// Assign places an unassigned shard copy on a node. The copy starts
// initializing; recovery completion is reported separately.
func (rn *RoutingNodes) Assign(s *ShardRouting, nodeID string) {
	s.NodeID = nodeID
	s.State = ShardInitializing
	rn.assigned = append(rn.assigned, s)
	rn.initializing = append(rn.initializing, s)
}

// Initializing returns the copies assigned during this reroute.
func (rn *RoutingNodes) Initializing() []*ShardRouting {
	return rn.initializing
}

// ActivePrimary returns the started primary copy of a shard, or nil.
func (rn *RoutingNodes) ActivePrimary(id ShardID) *ShardRouting {
	for _, s := range rn.assigned {
		if s.Primary && s.ShardID == id && s.Active() {
			return s
		}
	}
	return nil
}

// CopiesOnNode returns the assigned copies of a shard hosted by a node.
func (rn *RoutingNodes) CopiesOnNode(id ShardID, nodeID string) []*ShardRouting {
	var out []*ShardRouting
	for _, s := range rn.assigned {
		if s.ShardID == id && s.NodeID == nodeID {
			out = append(out, s)
		}
	}
	return out
}

// ShardsOnNode returns every assigned copy hosted by a node.
func (rn *RoutingNodes) ShardsOnNode(nodeID string) []*ShardRouting {
	var out []*ShardRouting
	for _, s := range rn.assigned {
		if s.NodeID == nodeID {
			out = append(out, s)
		}
	}
	return out
}

// UnassignedIterator iterates the unassigned list and supports removing
// the current element in place.
type UnassignedIterator struct {
	rn  *RoutingNodes
	idx int
}

// UnassignedIter returns an iterator over the unassigned list.
func (rn *RoutingNodes) UnassignedIter() *UnassignedIterator {
	return &UnassignedIterator{rn: rn, idx: -1}
}

// Next returns the next unassigned shard copy, or nil when exhausted.
func (it *UnassignedIterator) Next() *ShardRouting {
	it.idx++
	if it.idx >= len(it.rn.unassigned) {
		return nil
	}
	return it.rn.unassigned[it.idx]
}

// Remove deletes the copy last returned by Next from the unassigned list.
// The caller is responsible for either assigning it or parking it on the
// ignored list.
func (it *UnassignedIterator) Remove() {
	if it.idx < 0 || it.idx >= len(it.rn.unassigned) {
		return
	}
	it.rn.unassigned = append(it.rn.unassigned[:it.idx], it.rn.unassigned[it.idx+1:]...)
	it.idx--
}
